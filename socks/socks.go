// Package socks implements the SOCKS4/SOCKS5 unpacker (spec §4.3, C3
// supplement): a visitor connection that opens with a SOCKS handshake
// carries its own target address instead of relying on the bound port,
// so the target must be negotiated with the visitor itself before the
// mapper stream exists. See converter in the distilled protocol's
// penetrate server for the original shape of this split.
package socks

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/fallback"
	"github.com/fusolink/fusod/forward"
	"github.com/fusolink/fusod/unpack"
	"github.com/pkg/errors"
)

const (
	socks4Version byte = 0x04
	socks5Version byte = 0x05

	socks4CmdConnect byte = 0x01
	socks5CmdConnect byte = 0x01

	socks5AtypIPv4   byte = 0x01
	socks5AtypDomain byte = 0x03
	socks5AtypIPv6   byte = 0x04

	socks5AuthNone byte = 0x00
)

// Unpacker recognizes a SOCKS4 or SOCKS5 client greeting and negotiates
// the requested target directly with the visitor, deferring to the next
// unpacker in the chain for anything else.
type Unpacker struct{}

// New returns a SOCKS unpacker.
func New() *Unpacker { return &Unpacker{} }

func (u *Unpacker) Unpack(ctx context.Context, fb *fallback.Stream) (unpack.Peer, error) {
	var verBuf [1]byte
	if _, err := io.ReadFull(fb, verBuf[:]); err != nil {
		return unpack.Peer{}, err
	}

	switch verBuf[0] {
	case socks4Version:
		return u.handshakeV4(fb)
	case socks5Version:
		return u.handshakeV5(fb)
	default:
		return unpack.Peer{Kind: unpack.KindUnknown, Stream: fb}, nil
	}
}

func (u *Unpacker) handshakeV4(fb *fallback.Stream) (unpack.Peer, error) {
	var head [7]byte // cmd(1) + port(2) + ipv4(4)
	if _, err := io.ReadFull(fb, head[:]); err != nil {
		return unpack.Peer{}, errors.Wrap(err, "socks: truncated SOCKS4 request")
	}
	if head[0] != socks4CmdConnect {
		return unpack.Peer{}, errors.Errorf("socks: unsupported SOCKS4 command %d", head[0])
	}

	port := binary.BigEndian.Uint16(head[1:3])
	ip := net.IP(append([]byte(nil), head[3:7]...))

	if _, err := readNullTerminated(fb); err != nil { // USERID
		return unpack.Peer{}, errors.Wrap(err, "socks: truncated SOCKS4 userid")
	}

	target := address.Address{Family: address.IPv4, IP: ip.To4(), Port: port}

	reply := [8]byte{0x00, 0x5a} // version 0, request granted
	binary.BigEndian.PutUint16(reply[2:4], port)
	copy(reply[4:8], ip.To4())
	if _, err := fb.Write(reply[:]); err != nil {
		return unpack.Peer{}, errors.Wrap(err, "socks: failed to send SOCKS4 reply")
	}

	return u.consumePeer(target, fb), nil
}

func (u *Unpacker) handshakeV5(fb *fallback.Stream) (unpack.Peer, error) {
	var nmethods [1]byte
	if _, err := io.ReadFull(fb, nmethods[:]); err != nil {
		return unpack.Peer{}, errors.Wrap(err, "socks: truncated SOCKS5 greeting")
	}
	methods := make([]byte, nmethods[0])
	if _, err := io.ReadFull(fb, methods); err != nil {
		return unpack.Peer{}, errors.Wrap(err, "socks: truncated SOCKS5 methods")
	}

	if _, err := fb.Write([]byte{socks5Version, socks5AuthNone}); err != nil {
		return unpack.Peer{}, errors.Wrap(err, "socks: failed to send SOCKS5 method selection")
	}

	var reqHead [4]byte // ver(1) cmd(1) rsv(1) atyp(1)
	if _, err := io.ReadFull(fb, reqHead[:]); err != nil {
		return unpack.Peer{}, errors.Wrap(err, "socks: truncated SOCKS5 request")
	}
	if reqHead[1] != socks5CmdConnect {
		return unpack.Peer{}, errors.Errorf("socks: unsupported SOCKS5 command %d", reqHead[1])
	}

	target, err := u.readSocks5Target(fb, reqHead[3])
	if err != nil {
		return unpack.Peer{}, err
	}

	reply := buildSocks5Reply(target)
	if _, err := fb.Write(reply); err != nil {
		return unpack.Peer{}, errors.Wrap(err, "socks: failed to send SOCKS5 reply")
	}

	return u.consumePeer(target, fb), nil
}

func (u *Unpacker) readSocks5Target(fb *fallback.Stream, atyp byte) (address.Address, error) {
	switch atyp {
	case socks5AtypIPv4:
		var buf [6]byte
		if _, err := io.ReadFull(fb, buf[:]); err != nil {
			return address.Address{}, errors.Wrap(err, "socks: truncated IPv4 target")
		}
		ip := net.IP(append([]byte(nil), buf[0:4]...))
		port := binary.BigEndian.Uint16(buf[4:6])
		return address.Address{Family: address.IPv4, IP: ip, Port: port}, nil

	case socks5AtypIPv6:
		var buf [18]byte
		if _, err := io.ReadFull(fb, buf[:]); err != nil {
			return address.Address{}, errors.Wrap(err, "socks: truncated IPv6 target")
		}
		ip := net.IP(append([]byte(nil), buf[0:16]...))
		port := binary.BigEndian.Uint16(buf[16:18])
		return address.Address{Family: address.IPv6, IP: ip, Port: port}, nil

	case socks5AtypDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(fb, lenBuf[:]); err != nil {
			return address.Address{}, errors.Wrap(err, "socks: truncated domain length")
		}
		name := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(fb, name); err != nil {
			return address.Address{}, errors.Wrap(err, "socks: truncated domain")
		}
		var portBuf [2]byte
		if _, err := io.ReadFull(fb, portBuf[:]); err != nil {
			return address.Address{}, errors.Wrap(err, "socks: truncated domain port")
		}
		port := binary.BigEndian.Uint16(portBuf[:])

		ips, err := net.LookupIP(string(name))
		if err != nil || len(ips) == 0 {
			return address.Address{}, errors.Wrapf(err, "socks: cannot resolve %q", name)
		}
		return address.FromTCPAddr(&net.TCPAddr{IP: ips[0], Port: int(port)}), nil

	default:
		return address.Address{}, errors.Errorf("socks: unsupported address type %d", atyp)
	}
}

func buildSocks5Reply(bound address.Address) []byte {
	out := []byte{socks5Version, 0x00, 0x00}
	if bound.Family == address.IPv6 {
		out = append(out, socks5AtypIPv6)
		var ip [16]byte
		copy(ip[:], bound.IP.To16())
		out = append(out, ip[:]...)
	} else {
		out = append(out, socks5AtypIPv4)
		var ip [4]byte
		copy(ip[:], bound.IP.To4())
		out = append(out, ip[:]...)
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], bound.Port)
	return append(out, port[:]...)
}

// consumePeer builds the VisitorConsume Peer: the visitor stream (already
// past its SOCKS handshake) is closed over by Consume, which simply pipes
// it against whatever mapper stream eventually arrives.
func (u *Unpacker) consumePeer(target address.Address, visitor *fallback.Stream) unpack.Peer {
	// The handshake bytes are pure SOCKS framing already answered above;
	// nothing downstream should ever see them replayed.
	visitor.Discard()

	return unpack.Peer{
		Kind:        unpack.KindVisitor,
		VisitorMode: unpack.VisitorConsume,
		Target:      target,
		Stream:      visitor,
		Consume: func(ctx context.Context, mapper *fallback.Stream) error {
			return pipeConsume(visitor, mapper)
		},
	}
}

// pipeConsume runs the ordinary bidirectional copy once the mapper
// stream shows up; the SOCKS negotiation already happened against
// visitor during Unpack, so from here on this is no different from the
// plain VisitorForward path.
func pipeConsume(visitor, mapper *fallback.Stream) error {
	errA, errB := forward.Pipe(visitor, mapper)
	if errA != nil {
		return errA
	}
	return errB
}

func readNullTerminated(r io.Reader) ([]byte, error) {
	var out []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		if b[0] == 0 {
			return out, nil
		}
		out = append(out, b[0])
	}
}
