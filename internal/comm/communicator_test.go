package comm

import (
	"bytes"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/commlink/internal/testutil/testlog"
	"github.com/danmuck/commlink/internal/wire"
)

type captureHandler struct {
	delivered chan wire.Message
	idles     atomic.Uint64
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{delivered: make(chan wire.Message, 16)}
}

func (h *captureHandler) Deliver(msg wire.Message) {
	h.delivered <- msg
}

func (h *captureHandler) Idle() {
	h.idles.Add(1)
}

func newLoopbackComm(t *testing.T, handler Handler, opts Options) *Communicator {
	t.Helper()
	opts.LocalIP = net.IPv4(127, 0, 0, 1)
	c, err := New(0, handler, opts)
	if err != nil {
		t.Fatalf("new communicator: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// serve runs c's forever listen in the background and returns a stop
// function that closes the socket and joins the loop.
func serve(c *Communicator) func() {
	done := make(chan struct{})
	go func() {
		c.Listen(0)
		close(done)
	}()
	return func() {
		c.Close()
		<-done
	}
}

func waitDelivery(t *testing.T, h *captureHandler, d time.Duration) wire.Message {
	t.Helper()
	select {
	case msg := <-h.delivered:
		return msg
	case <-time.After(d):
		t.Fatalf("timed out waiting for delivery")
		return wire.Message{}
	}
}

func TestSelfPingSucceedsImmediately(t *testing.T) {
	testlog.Start(t)
	c := newLoopbackComm(t, newCaptureHandler(), Options{})

	start := time.Now()
	if !c.Ping(c.Addr(), 17) {
		t.Fatalf("self ping should always succeed")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("self ping should not touch the network, took %v", elapsed)
	}
}

func TestSelfSendDeliversDirectly(t *testing.T) {
	testlog.Start(t)
	h := newCaptureHandler()
	c := newLoopbackComm(t, h, Options{})

	if !c.Send(wire.NewPayload([]byte("hello")), c.Addr()) {
		t.Fatalf("self send should succeed")
	}
	msg := waitDelivery(t, h, time.Second)
	if !bytes.Equal(msg.Body, []byte("hello")) {
		t.Fatalf("unexpected body: %q", msg.Body)
	}
	if msg.Key == wire.NoKey {
		t.Fatalf("sent message should carry a generated key")
	}
	if len(h.delivered) != 0 {
		t.Fatalf("self send must deliver exactly once")
	}
}

func TestPingWithNoListenerTimesOut(t *testing.T) {
	testlog.Start(t)
	c := newLoopbackComm(t, newCaptureHandler(), Options{PingTimeout: 100 * time.Millisecond})

	// A bound-then-released port guarantees nobody is listening there.
	reserved, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	dead := wire.Addr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: reserved.LocalAddr().(*net.UDPAddr).Port}
	reserved.Close()

	start := time.Now()
	ok := c.Ping(dead, 33)
	elapsed := time.Since(start)
	if ok {
		t.Fatalf("ping with no listener should fail")
	}
	if elapsed < 80*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("ping should fail at roughly the timeout, took %v", elapsed)
	}
	if len(c.keys.outstanding) != 0 {
		t.Fatalf("outstanding set must be drained after the attempt")
	}
}

func TestHandshakePingPrimesResponder(t *testing.T) {
	testlog.Start(t)
	a := newLoopbackComm(t, newCaptureHandler(), Options{})
	b := newLoopbackComm(t, newCaptureHandler(), Options{})
	stop := serve(b)

	if !a.Ping(b.Addr(), 99) {
		t.Fatalf("ping to an active peer should succeed")
	}
	stop()

	if b.keys.acceptedCount() != 1 {
		t.Fatalf("responder should hold exactly one accepted key, has %d", b.keys.acceptedCount())
	}
	if !b.keys.admit(99) {
		t.Fatalf("responder should have accepted key 99")
	}
}

func TestLivenessPingLeavesNoAcceptedKey(t *testing.T) {
	testlog.Start(t)
	a := newLoopbackComm(t, newCaptureHandler(), Options{})
	b := newLoopbackComm(t, newCaptureHandler(), Options{})
	stop := serve(b)

	if !a.Ping(b.Addr(), wire.NoKey) {
		t.Fatalf("liveness ping to an active peer should succeed")
	}
	stop()

	if b.keys.acceptedCount() != 0 {
		t.Fatalf("non-handshake ping must not prime the accepted set")
	}
}

func TestUnsolicitedPayloadIsNotDelivered(t *testing.T) {
	testlog.Start(t)
	h := newCaptureHandler()
	b := newLoopbackComm(t, h, Options{})
	stop := serve(b)

	intruder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("intruder socket: %v", err)
	}
	defer intruder.Close()

	msg := wire.NewPayload([]byte("sneak"))
	msg.Sender = wire.Addr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: intruder.LocalAddr().(*net.UDPAddr).Port}
	msg.Receiver = b.Addr()
	msg.Key = 1234
	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := intruder.WriteToUDP(data, b.Addr().UDPAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	stop()

	if len(h.delivered) != 0 {
		t.Fatalf("payload without a handshake must never be delivered")
	}
	if b.Stats().Delivered != 0 {
		t.Fatalf("delivery counter should be zero")
	}
}

func TestIndependentSendsUseDistinctKeys(t *testing.T) {
	testlog.Start(t)
	h := newCaptureHandler()
	a := newLoopbackComm(t, newCaptureHandler(), Options{})
	b := newLoopbackComm(t, h, Options{})
	stop := serve(b)

	bodies := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, body := range bodies {
		if !a.Send(wire.NewPayload(body), b.Addr()) {
			t.Fatalf("send %q failed", body)
		}
	}

	seen := make(map[uint32]bool)
	for range bodies {
		msg := waitDelivery(t, h, 2*time.Second)
		if msg.Key == wire.NoKey {
			t.Fatalf("delivered message lost its key")
		}
		if seen[msg.Key] {
			t.Fatalf("handshake key %d reused across sends", msg.Key)
		}
		seen[msg.Key] = true
	}
	stop()

	if b.keys.acceptedCount() != 0 {
		t.Fatalf("every accepted key should be consumed, %d left", b.keys.acceptedCount())
	}
}

func TestCorruptDatagramDoesNotBreakListener(t *testing.T) {
	testlog.Start(t)
	h := newCaptureHandler()
	a := newLoopbackComm(t, newCaptureHandler(), Options{})
	b := newLoopbackComm(t, h, Options{})
	stop := serve(b)
	defer stop()

	junk, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("junk socket: %v", err)
	}
	defer junk.Close()
	if _, err := junk.WriteToUDP([]byte{0xDE, 0xAD, 0xBE}, b.Addr().UDPAddr()); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	if !a.Send(wire.NewPayload([]byte("after-junk")), b.Addr()) {
		t.Fatalf("send after corrupt datagram should succeed")
	}
	msg := waitDelivery(t, h, 2*time.Second)
	if !bytes.Equal(msg.Body, []byte("after-junk")) {
		t.Fatalf("unexpected body: %q", msg.Body)
	}
	if len(h.delivered) != 0 {
		t.Fatalf("corrupt datagram must not produce a delivery")
	}
}

func TestForeverListenInvokesIdleCallback(t *testing.T) {
	testlog.Start(t)
	h := newCaptureHandler()
	b := newLoopbackComm(t, h, Options{IdleInterval: 50 * time.Millisecond})
	stop := serve(b)

	time.Sleep(300 * time.Millisecond)
	stop()

	if idles := h.idles.Load(); idles < 2 {
		t.Fatalf("idle callback should fire steadily under no traffic, fired %d times", idles)
	}
}

func TestIdleCallbackPausesUnderTraffic(t *testing.T) {
	testlog.Start(t)
	h := newCaptureHandler()
	b := newLoopbackComm(t, h, Options{IdleInterval: 100 * time.Millisecond})
	stop := serve(b)
	defer stop()

	time.Sleep(250 * time.Millisecond)
	quiet := h.idles.Load()
	if quiet < 1 {
		t.Fatalf("idle callback should fire before traffic starts, fired %d times", quiet)
	}

	junk, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("junk socket: %v", err)
	}
	defer junk.Close()

	// Datagrams arrive well inside each idle interval, so the listener
	// should stay busy and the callback should stall.
	floodEnd := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(floodEnd) {
		if _, err := junk.WriteToUDP([]byte{0x00}, b.Addr().UDPAddr()); err != nil {
			t.Fatalf("write junk: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	during := h.idles.Load() - quiet
	if during > 1 {
		t.Fatalf("idle callback should stall while traffic arrives, fired %d times", during)
	}

	time.Sleep(250 * time.Millisecond)
	if after := h.idles.Load() - quiet - during; after < 1 {
		t.Fatalf("idle callback should resume once traffic stops, fired %d times", after)
	}
}

func TestStatusSuppressesConsecutiveDuplicates(t *testing.T) {
	testlog.Start(t)
	c := newLoopbackComm(t, newCaptureHandler(), Options{})

	if !c.statusf("peer %d joined", 1) {
		t.Fatalf("first status line should be emitted")
	}
	if c.statusf("peer %d joined", 1) {
		t.Fatalf("immediate duplicate should be suppressed")
	}
	if !c.statusf("peer %d joined", 2) {
		t.Fatalf("changed status line should be emitted")
	}
	if !c.statusf("peer %d joined", 1) {
		t.Fatalf("only consecutive duplicates are suppressed")
	}
}

func TestFailedPingReportsStatus(t *testing.T) {
	testlog.Start(t)
	c := newLoopbackComm(t, newCaptureHandler(), Options{PingTimeout: 100 * time.Millisecond})

	reserved, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	dead := wire.Addr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: reserved.LocalAddr().(*net.UDPAddr).Port}
	reserved.Close()

	if c.Ping(dead, 55) {
		t.Fatalf("ping with no listener should fail")
	}
	if !strings.Contains(c.lastStatus, "timed out") {
		t.Fatalf("failed ping should report a status line, last was %q", c.lastStatus)
	}
}
