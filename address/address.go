// Package address implements the wire-level socket address used by the
// control protocol (spec §6): family + address bytes + port + kind flags.
package address

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Family distinguishes IPv4 from IPv6 addresses on the wire.
type Family uint8

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// Kind carries the bit flags attached to an address in a Map message.
type Kind uint8

const (
	// KindMixed marks a target socket advertised with the "mixed" hint
	// (Config.IsMixed), per spec §3.
	KindMixed Kind = 1 << iota
)

// Address is an immutable host+port+kind tuple.
type Address struct {
	Family Family
	IP     net.IP
	Port   uint16
	Kind   Kind
}

// FromTCPAddr builds an Address from a resolved *net.TCPAddr.
func FromTCPAddr(a *net.TCPAddr) Address {
	fam := IPv4
	ip := a.IP.To4()
	if ip == nil {
		fam = IPv6
		ip = a.IP.To16()
	}
	return Address{Family: fam, IP: ip, Port: uint16(a.Port)}
}

// Parse resolves a "host:port" string into an Address.
func Parse(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, errors.Wrapf(err, "address: malformed %q", hostport)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, errors.Errorf("address: invalid port in %q", hostport)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Hostnames are resolved here and the first resolved IP is kept,
		// so String() reports that IP rather than the hostname.
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return Address{}, errors.Wrapf(err, "address: cannot resolve %q", host)
		}
		ip = ips[0]
	}

	fam := IPv4
	v4 := ip.To4()
	if v4 == nil {
		fam = IPv6
	} else {
		ip = v4
	}

	return Address{Family: fam, IP: ip, Port: uint16(port)}, nil
}

// WithMixed returns a copy of a with KindMixed set or cleared.
func (a Address) WithMixed(mixed bool) Address {
	if mixed {
		a.Kind |= KindMixed
	} else {
		a.Kind &^= KindMixed
	}
	return a
}

// IsMixed reports whether KindMixed is set.
func (a Address) IsMixed() bool {
	return a.Kind&KindMixed != 0
}

// TCPAddr converts back to a *net.TCPAddr for dialing/listening.
func (a Address) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: int(a.Port)}
}

// Network always reports "tcp": the public and mapper sockets this
// server deals with directly are TCP only (spec §1 non-goals).
func (a Address) Network() string { return "tcp" }

func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}
