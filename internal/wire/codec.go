package wire

import (
	"encoding/binary"
	"errors"
	"net"
)

const (
	Magic   uint32 = 0x434D4C4B
	Version uint16 = 1

	// ByteSize is the fixed encoded length of every message. Receive
	// buffers are sized to exactly this many bytes.
	ByteSize = 256

	headerLen = 26

	// MaxBody bounds the application bytes one payload message can carry.
	MaxBody = ByteSize - headerLen

	flagHandshake uint8 = 0x01
)

var (
	ErrBadMagic           = errors.New("wire: invalid magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrBadKind            = errors.New("wire: unknown message kind")
	ErrTruncated          = errors.New("wire: truncated data")
	ErrBodyTooLarge       = errors.New("wire: body too large")
	ErrBadAddress         = errors.New("wire: address is not IPv4")
	ErrBadPort            = errors.New("wire: port out of range")
)

// Encode renders msg as exactly ByteSize bytes. It fails only on messages
// that violate wire limits (oversized body, non-IPv4 endpoint).
func Encode(msg Message) ([]byte, error) {
	if msg.Kind != KindPayload && msg.Kind != KindPing {
		return nil, ErrBadKind
	}
	if len(msg.Body) > MaxBody {
		return nil, ErrBodyTooLarge
	}
	sender := msg.Sender.IP.To4()
	receiver := msg.Receiver.IP.To4()
	if sender == nil || receiver == nil {
		return nil, ErrBadAddress
	}
	if !validPort(msg.Sender.Port) || !validPort(msg.Receiver.Port) {
		return nil, ErrBadPort
	}

	buf := make([]byte, ByteSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	buf[6] = uint8(msg.Kind)
	if msg.Handshake {
		buf[7] |= flagHandshake
	}
	copy(buf[8:12], sender)
	binary.BigEndian.PutUint16(buf[12:14], uint16(msg.Sender.Port))
	copy(buf[14:18], receiver)
	binary.BigEndian.PutUint16(buf[18:20], uint16(msg.Receiver.Port))
	binary.BigEndian.PutUint32(buf[20:24], msg.Key)
	binary.BigEndian.PutUint16(buf[24:26], uint16(len(msg.Body)))
	copy(buf[headerLen:], msg.Body)
	return buf, nil
}

// Decode parses one received datagram. Malformed or truncated input yields a
// sentinel error and never panics; callers drop such datagrams silently.
func Decode(data []byte) (Message, error) {
	if len(data) < headerLen {
		return Message{}, ErrTruncated
	}
	if binary.BigEndian.Uint32(data[0:4]) != Magic {
		return Message{}, ErrBadMagic
	}
	if binary.BigEndian.Uint16(data[4:6]) != Version {
		return Message{}, ErrUnsupportedVersion
	}
	kind := Kind(data[6])
	if kind != KindPayload && kind != KindPing {
		return Message{}, ErrBadKind
	}
	bodyLen := int(binary.BigEndian.Uint16(data[24:26]))
	if bodyLen > MaxBody || headerLen+bodyLen > len(data) {
		return Message{}, ErrTruncated
	}

	msg := Message{
		Kind:      kind,
		Handshake: data[7]&flagHandshake != 0,
		Sender:    decodeAddr(data[8:14]),
		Receiver:  decodeAddr(data[14:20]),
		Key:       binary.BigEndian.Uint32(data[20:24]),
	}
	if bodyLen > 0 {
		msg.Body = make([]byte, bodyLen)
		copy(msg.Body, data[headerLen:headerLen+bodyLen])
	}
	return msg, nil
}

func validPort(port int) bool {
	return port >= 0 && port <= 65535
}

func decodeAddr(b []byte) Addr {
	ip := make(net.IP, 4)
	copy(ip, b[0:4])
	return Addr{IP: ip, Port: int(binary.BigEndian.Uint16(b[4:6]))}
}
