package wire

import "fmt"

// Kind discriminates the two message variants on the wire.
type Kind uint8

const (
	KindPayload Kind = 1
	KindPing    Kind = 2
)

// NoKey is the reserved handshake key meaning "no handshake".
const NoKey uint32 = 0

// Message is one discrete unit of exchange between communicators. A payload
// message carries application bytes; a ping carries only the handshake key
// and flag. Messages live for a single send/receive cycle and are never
// persisted.
type Message struct {
	Kind      Kind
	Sender    Addr
	Receiver  Addr
	Key       uint32
	Handshake bool
	Body      []byte
}

// NewPayload builds an unaddressed payload message. Sender, receiver and key
// are stamped by the communicator at send time.
func NewPayload(body []byte) Message {
	return Message{Kind: KindPayload, Body: body}
}

// NewPing builds an unaddressed liveness ping.
func NewPing() Message {
	return Message{Kind: KindPing}
}

func (m Message) IsPing() bool {
	return m.Kind == KindPing
}

func (m Message) String() string {
	if m.IsPing() {
		return fmt.Sprintf("ping(key=%d handshake=%t)", m.Key, m.Handshake)
	}
	return fmt.Sprintf("payload(key=%d len=%d)", m.Key, len(m.Body))
}
