package comm

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/danmuck/commlink/internal/observability"
	"github.com/danmuck/commlink/internal/wire"
	logs "github.com/danmuck/smplog"
)

var (
	ErrNilHandler = errors.New("comm: handler required")
)

// Handler is the capability a concrete endpoint supplies to its
// communicator: message delivery and periodic idle notification.
type Handler interface {
	// Deliver is invoked exactly once per admitted payload message.
	Deliver(msg wire.Message)
	// Idle is invoked between receive intervals while listening forever
	// with no traffic.
	Idle()
}

// Options tune a communicator's timing behavior. Zero values fall back to
// the defaults below.
type Options struct {
	// PingTimeout bounds one handshake attempt.
	PingTimeout time.Duration
	// IdleInterval is the forever-listen re-arm period; the Idle callback
	// fires once per quiet interval.
	IdleInterval time.Duration
	// AcceptedKeyTTL expires accepted handshake keys whose payload never
	// arrives. 0 keeps them forever.
	AcceptedKeyTTL time.Duration
	// LocalIP overrides local address resolution, binding the socket to
	// that interface. Tests pin this to 127.0.0.1.
	LocalIP net.IP
}

func DefaultOptions() Options {
	return Options{
		PingTimeout:  100 * time.Millisecond,
		IdleInterval: 500 * time.Millisecond,
	}
}

// Stats is a point-in-time snapshot of protocol activity, safe to read from
// other goroutines.
type Stats struct {
	PingsSent        uint64 `json:"pings_sent"`
	HandshakesFailed uint64 `json:"handshakes_failed"`
	Delivered        uint64 `json:"delivered"`
}

// Communicator is one endpoint of the handshake-gated datagram protocol. It
// owns a bound UDP socket, the handshake key ring, and the blocking receive
// loop.
type Communicator struct {
	addr    wire.Addr
	conn    *net.UDPConn
	keys    *keyRing
	gen     *keyGen
	handler Handler
	opts    Options

	buf        []byte
	lastStatus string

	pingsSent        atomic.Uint64
	handshakesFailed atomic.Uint64
	delivered        atomic.Uint64
}

// New binds a UDP socket on port (0 picks an ephemeral one) and resolves
// the communicator's local address. Bind or resolution failure is an
// unrecoverable configuration error; callers are expected to treat it as
// fatal.
func New(port int, handler Handler, opts Options) (*Communicator, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	defaults := DefaultOptions()
	if opts.PingTimeout == 0 {
		opts.PingTimeout = defaults.PingTimeout
	}
	if opts.IdleInterval == 0 {
		opts.IdleInterval = defaults.IdleInterval
	}

	ip := opts.LocalIP
	if ip == nil {
		resolved, err := localIPv4()
		if err != nil {
			return nil, fmt.Errorf("comm: resolve local address: %w", err)
		}
		ip = resolved
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: opts.LocalIP, Port: port})
	if err != nil {
		return nil, fmt.Errorf("comm: bind port %d: %w", port, err)
	}

	c := &Communicator{
		addr:    wire.Addr{IP: ip.To4(), Port: conn.LocalAddr().(*net.UDPAddr).Port},
		conn:    conn,
		keys:    newKeyRing(opts.AcceptedKeyTTL),
		gen:     newKeyGen(),
		handler: handler,
		opts:    opts,
		buf:     make([]byte, wire.ByteSize),
	}
	logs.Infof("communicator up at %s", c.FullAddress())
	return c, nil
}

// Addr returns the communicator's resolved address.
func (c *Communicator) Addr() wire.Addr {
	return c.addr
}

// Port returns the bound socket port.
func (c *Communicator) Port() int {
	return c.addr.Port
}

// FullAddress returns the socket address formatted as "ip:port".
func (c *Communicator) FullAddress() string {
	return c.addr.String()
}

// Close releases the socket. A forever listen unblocks and returns once the
// socket is closed.
func (c *Communicator) Close() error {
	return c.conn.Close()
}

func (c *Communicator) Stats() Stats {
	return Stats{
		PingsSent:        c.pingsSent.Load(),
		HandshakesFailed: c.handshakesFailed.Load(),
		Delivered:        c.delivered.Load(),
	}
}

// Ping probes target, expecting an echo within the ping timeout. A non-zero
// key marks the ping as a handshake for an upcoming message; key 0 is a
// plain liveness probe. Pinging the communicator's own address succeeds
// trivially with no network exchange.
func (c *Communicator) Ping(target wire.Addr, key uint32) bool {
	msg := wire.NewPing()
	msg.Sender = c.addr
	msg.Receiver = target
	if key != wire.NoKey {
		msg.Key = key
		msg.Handshake = true
	}

	if target.Equal(c.addr) {
		return true
	}

	c.pingsSent.Add(1)
	c.keys.markPinged(msg.Key)
	defer c.keys.drainOutstanding()

	if !c.transmit(msg, target) {
		c.statusf("ping %s to %s failed to send", msg, target)
		observability.RecordPing(c.FullAddress(), "send_failed")
		return false
	}

	c.Listen(c.opts.PingTimeout)
	if c.keys.awaiting(msg.Key) {
		c.statusf("ping %s to %s timed out", msg, target)
		observability.RecordPing(c.FullAddress(), "timeout")
		return false
	}
	c.statusf("ping %s answered by %s", msg, target)
	observability.RecordPing(c.FullAddress(), "echoed")
	return true
}

// Send delivers msg to target behind a ping handshake. The message is
// stamped with sender, receiver and a fresh handshake key. Sending to the
// communicator's own address hands the message straight to the delivery
// callback with no network exchange.
//
// A true result means the handshake succeeded and the payload was accepted
// by the local network stack for transmission; delivery of the payload
// itself is not confirmed.
func (c *Communicator) Send(msg wire.Message, target wire.Addr) bool {
	msg.Sender = c.addr
	msg.Receiver = target
	msg.Key = c.gen.next()

	if target.Equal(c.addr) {
		c.statusf("took in %s from self", msg)
		c.delivered.Add(1)
		observability.RecordDelivery(c.FullAddress(), "self")
		c.handler.Deliver(msg)
		return true
	}

	if !c.Ping(target, msg.Key) {
		c.statusf("handshake for %s with %s failed", msg, target)
		c.handshakesFailed.Add(1)
		observability.RecordHandshake(c.FullAddress(), "initiator", "failed")
		return false
	}

	c.statusf("handshake approved for %s, sending to %s", msg, target)
	observability.RecordHandshake(c.FullAddress(), "initiator", "acked")
	return c.transmit(msg, target)
}

// Listen blocks on the socket. With d == 0 it listens forever, invoking the
// Idle callback once per quiet idle interval; it returns only when the
// socket is closed. With d != 0 it waits until a monotonic deadline and
// reports whether a handshake echo arrived before it.
//
// Unrelated traffic received during a bounded listen is dispatched but does
// not extend the deadline.
func (c *Communicator) Listen(d time.Duration) bool {
	if d == 0 {
		c.listenForever()
		return false
	}

	deadline := time.Now().Add(d)
	for {
		c.conn.SetReadDeadline(deadline)
		n, _, err := c.conn.ReadFromUDP(c.buf)
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
				return false
			}
			logs.Warnf("comm: read at %s failed: %v", c.FullAddress(), err)
			return false
		}
		if c.dispatch(c.buf[:n]) {
			return true
		}
	}
}

func (c *Communicator) listenForever() {
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleInterval))
		n, _, err := c.conn.ReadFromUDP(c.buf)
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
				c.handler.Idle()
				continue
			}
			logs.Debugf("comm: listener at %s stopped: %v", c.FullAddress(), err)
			return
		}
		c.dispatch(c.buf[:n])
	}
}

// dispatch decodes one received datagram and runs it through the handshake
// state machine. It reports whether the datagram completed a handshake this
// communicator initiated.
func (c *Communicator) dispatch(data []byte) bool {
	msg, err := wire.Decode(data)
	if err != nil {
		logs.Debugf("comm: dropped undecodable datagram at %s: %v", c.FullAddress(), err)
		observability.RecordDecodeDrop(c.FullAddress())
		return false
	}

	if msg.IsPing() {
		if msg.Sender.Equal(c.addr) {
			// Echo of a ping this communicator sent.
			c.keys.observeEcho(msg.Key)
			return true
		}
		// Ping addressed to this communicator; acknowledge by echoing it
		// back untouched.
		if msg.Handshake {
			c.keys.accept(msg.Key)
			observability.RecordHandshake(c.FullAddress(), "responder", "accepted")
		}
		c.transmit(msg, msg.Sender)
		return false
	}

	if c.keys.admit(msg.Key) {
		c.statusf("took in %s from %s", msg, msg.Sender)
		c.delivered.Add(1)
		observability.RecordDelivery(c.FullAddress(), "network")
		c.handler.Deliver(msg)
	} else {
		observability.RecordPayloadRejected(c.FullAddress())
	}
	return false
}

func (c *Communicator) transmit(msg wire.Message, target wire.Addr) bool {
	data, err := wire.Encode(msg)
	if err != nil {
		logs.Errorf(err, "comm: encode %s failed", msg)
		return false
	}
	if _, err := c.conn.WriteToUDP(data, target.UDPAddr()); err != nil {
		logs.Warnf("comm: send %s to %s failed: %v", msg, target, err)
		return false
	}
	return true
}

// statusf logs a protocol status line, suppressing consecutive duplicates.
// It reports whether the line was emitted.
func (c *Communicator) statusf(format string, args ...any) bool {
	s := fmt.Sprintf(format, args...)
	if s == c.lastStatus {
		return false
	}
	c.lastStatus = s
	logs.Infof("%s", s)
	return true
}

// localIPv4 picks the first non-loopback IPv4 interface address, falling
// back to loopback on single-interface hosts.
func localIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil {
			return ip, nil
		}
	}
	return net.IPv4(127, 0, 0, 1).To4(), nil
}
