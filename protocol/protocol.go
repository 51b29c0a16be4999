// Package protocol implements the control-channel wire codec (spec §6, C4):
// a 4-byte big-endian length prefix, a 1-byte message tag, and a payload.
// Every packet is self-delimiting so a malformed packet never desyncs
// framing for the packets that came before it.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/fusolink/fusod/address"
	"github.com/pkg/errors"
)

// Tag identifies the message shape carried by a packet.
type Tag uint8

const (
	TagPing       Tag = 1
	TagBind       Tag = 2
	TagBindOk     Tag = 3
	TagBindFailed Tag = 4
	TagMap        Tag = 5
	TagMapError   Tag = 6
)

// MaxPacketSize bounds a single packet's tag+payload to guard against a
// malicious or confused peer forcing an unbounded allocation.
const MaxPacketSize = 64 * 1024

// ErrKind classifies a RecvPacket/SendPacket failure for the fatality
// decisions spec §7 asks callers to make: a Timeout on an otherwise
// healthy channel is worth a retry at a higher layer, while Malformed
// and IO are always fatal to the control channel.
type ErrKind int

const (
	// ErrKindIO covers transport-level failures: closed connection,
	// reset, or any other error the net.Conn itself returned.
	ErrKindIO ErrKind = iota
	// ErrKindTimeout is an IO error that was specifically a read/write
	// deadline expiring.
	ErrKindTimeout
	// ErrKindMalformed covers a packet that decoded but violated the
	// wire format: truncated body, bad length prefix, unknown tag or
	// address family.
	ErrKindMalformed
)

// classifiedError pairs an ErrKind with the underlying wrapped error so
// callers can switch on Kind without losing errors.Wrap's context chain.
type classifiedError struct {
	kind ErrKind
	err  error
}

func (c *classifiedError) Error() string { return c.err.Error() }
func (c *classifiedError) Unwrap() error { return c.err }

// Kind reports the ErrKind classification of err, if any was attached by
// this package. ok is false for errors protocol did not classify.
func Kind(err error) (kind ErrKind, ok bool) {
	var c *classifiedError
	if errors.As(err, &c) {
		return c.kind, true
	}
	return 0, false
}

type timeouter interface{ Timeout() bool }

func classify(err error) error {
	if err == nil {
		return nil
	}
	kind := ErrKindIO
	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		kind = ErrKindTimeout
	}
	return &classifiedError{kind: kind, err: err}
}

// Message is any control-protocol payload.
type Message interface {
	Tag() Tag
	encodeBody(*bytes.Buffer)
}

type Ping struct{}

func (Ping) Tag() Tag                { return TagPing }
func (Ping) encodeBody(*bytes.Buffer) {}

type Bind struct{ Addr address.Address }

func (Bind) Tag() Tag { return TagBind }
func (m Bind) encodeBody(b *bytes.Buffer) { encodeAddress(b, m.Addr) }

type BindOk struct{ Addr address.Address }

func (BindOk) Tag() Tag { return TagBindOk }
func (m BindOk) encodeBody(b *bytes.Buffer) { encodeAddress(b, m.Addr) }

type BindFailed struct {
	Addr   address.Address
	Reason string
}

func (BindFailed) Tag() Tag { return TagBindFailed }
func (m BindFailed) encodeBody(b *bytes.Buffer) {
	encodeAddress(b, m.Addr)
	encodeString(b, m.Reason)
}

type Map struct {
	ID     uint32
	Target address.Address
}

func (Map) Tag() Tag { return TagMap }
func (m Map) encodeBody(b *bytes.Buffer) {
	_ = binary.Write(b, binary.BigEndian, m.ID)
	encodeAddress(b, m.Target)
}

type MapError struct {
	ID     uint32
	Reason string
}

func (MapError) Tag() Tag { return TagMapError }
func (m MapError) encodeBody(b *bytes.Buffer) {
	_ = binary.Write(b, binary.BigEndian, m.ID)
	encodeString(b, m.Reason)
}

func encodeString(b *bytes.Buffer, s string) {
	_ = binary.Write(b, binary.BigEndian, uint16(len(s)))
	b.WriteString(s)
}

func encodeAddress(b *bytes.Buffer, a address.Address) {
	b.WriteByte(byte(a.Family))
	if a.Family == address.IPv6 {
		var buf [16]byte
		copy(buf[:], a.IP.To16())
		b.Write(buf[:])
	} else {
		var buf [4]byte
		copy(buf[:], a.IP.To4())
		b.Write(buf[:])
	}
	_ = binary.Write(b, binary.BigEndian, a.Port)
	b.WriteByte(byte(a.Kind))
}

// Encode renders msg as a complete, length-prefixed wire packet.
func Encode(msg Message) []byte {
	var body bytes.Buffer
	body.WriteByte(byte(msg.Tag()))
	msg.encodeBody(&body)

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out
}

// SendPacket writes msg to w as one packet.
func SendPacket(w io.Writer, msg Message) error {
	_, err := w.Write(Encode(msg))
	if err != nil {
		return classify(errors.Wrap(err, "protocol: send packet"))
	}
	return nil
}

// RecvPacket reads and decodes one packet from r. Decode failures (bad
// length, truncated stream, unknown tag, malformed body) are always
// fatal to the caller's control channel per spec §4.4/§7; callers that
// need to tell a transient read timeout apart from a dead channel or a
// corrupt stream can inspect the returned error with Kind.
func RecvPacket(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, classify(errors.Wrap(err, "protocol: read length"))
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > MaxPacketSize {
		return nil, &classifiedError{kind: ErrKindMalformed, err: errors.Errorf("protocol: invalid packet length %d", length)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, classify(errors.Wrap(err, "protocol: read body"))
	}

	msg, err := decode(Tag(body[0]), body[1:])
	if err != nil {
		return nil, &classifiedError{kind: ErrKindMalformed, err: err}
	}
	return msg, nil
}

func decode(tag Tag, payload []byte) (Message, error) {
	switch tag {
	case TagPing:
		return Ping{}, nil
	case TagBind:
		addr, _, err := decodeAddress(payload)
		if err != nil {
			return nil, errors.Wrap(err, "protocol: decode Bind")
		}
		return Bind{Addr: addr}, nil
	case TagBindOk:
		addr, _, err := decodeAddress(payload)
		if err != nil {
			return nil, errors.Wrap(err, "protocol: decode BindOk")
		}
		return BindOk{Addr: addr}, nil
	case TagBindFailed:
		addr, rest, err := decodeAddress(payload)
		if err != nil {
			return nil, errors.Wrap(err, "protocol: decode BindFailed")
		}
		reason, err := decodeString(rest)
		if err != nil {
			return nil, errors.Wrap(err, "protocol: decode BindFailed reason")
		}
		return BindFailed{Addr: addr, Reason: reason}, nil
	case TagMap:
		if len(payload) < 4 {
			return nil, errors.New("protocol: truncated Map")
		}
		id := binary.BigEndian.Uint32(payload)
		addr, _, err := decodeAddress(payload[4:])
		if err != nil {
			return nil, errors.Wrap(err, "protocol: decode Map target")
		}
		return Map{ID: id, Target: addr}, nil
	case TagMapError:
		if len(payload) < 4 {
			return nil, errors.New("protocol: truncated MapError")
		}
		id := binary.BigEndian.Uint32(payload)
		reason, err := decodeString(payload[4:])
		if err != nil {
			return nil, errors.Wrap(err, "protocol: decode MapError reason")
		}
		return MapError{ID: id, Reason: reason}, nil
	default:
		return nil, errors.Errorf("protocol: unknown tag %d", tag)
	}
}

func decodeAddress(b []byte) (address.Address, []byte, error) {
	if len(b) < 1 {
		return address.Address{}, nil, errors.New("protocol: truncated address family")
	}
	fam := address.Family(b[0])
	b = b[1:]

	var ipLen int
	switch fam {
	case address.IPv4:
		ipLen = 4
	case address.IPv6:
		ipLen = 16
	default:
		return address.Address{}, nil, errors.Errorf("protocol: unknown address family %d", fam)
	}

	if len(b) < ipLen+2+1 {
		return address.Address{}, nil, errors.New("protocol: truncated address")
	}

	ip := append([]byte(nil), b[:ipLen]...)
	b = b[ipLen:]
	port := binary.BigEndian.Uint16(b)
	b = b[2:]
	kind := address.Kind(b[0])
	b = b[1:]

	return address.Address{Family: fam, IP: ip, Port: port, Kind: kind}, b, nil
}

func decodeString(b []byte) (string, error) {
	if len(b) < 2 {
		return "", errors.New("protocol: truncated string length")
	}
	n := binary.BigEndian.Uint16(b)
	b = b[2:]
	if len(b) < int(n) {
		return "", errors.New("protocol: truncated string body")
	}
	return string(b[:n]), nil
}
