// Package session implements the Bind handshake (spec §4.4, C7): turning a
// freshly accepted control connection into a running penetrate.Session by
// negotiating the public port the control client wants opened.
package session

import (
	"log"
	"net"
	"time"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/penetrate"
	"github.com/fusolink/fusod/protocol"
	"github.com/fusolink/fusod/unpack"
	"github.com/pkg/errors"
)

// Listener is the subset of net.Listener a Builder needs to open the
// public port a control client asked to Bind.
type Listener interface {
	net.Listener
}

// ListenFunc opens a public listener for addr. Swappable in tests, and
// the seam where a real server picks a concrete net.Listener
// implementation (or a multi-port listener, see package transport).
type ListenFunc func(addr address.Address) (Listener, error)

// Builder negotiates the Bind handshake on accepted control connections
// and produces running penetrate.Session values.
type Builder struct {
	Listen       ListenFunc
	Config       penetrate.Config
	BindTimeout  time.Duration
	NewUnpacker  func(localAddr address.Address) unpack.Unpacker
}

// NewBuilder returns a Builder using unpack.NewNormal as the default
// unpacker factory.
func NewBuilder(listen ListenFunc, cfg penetrate.Config, bindTimeout time.Duration) *Builder {
	return &Builder{
		Listen:      listen,
		Config:      cfg,
		BindTimeout: bindTimeout,
		NewUnpacker: func(localAddr address.Address) unpack.Unpacker {
			return unpack.NewNormal(localAddr)
		},
	}
}

// wrappedListener adapts a Listener to penetrate.Accepter.
type wrappedListener struct {
	Listener
}

func (w wrappedListener) Accept() (net.Conn, error) { return w.Listener.Accept() }
func (w wrappedListener) Addr() net.Addr            { return w.Listener.Addr() }

// Build waits for a Bind request on ctrl, opens the requested public
// port, replies BindOk (or BindFailed on failure) and returns the running
// Session. The caller owns ctrl's lifetime only up to a handshake
// failure; on success the returned Session owns it.
func (b *Builder) Build(ctrl net.Conn) (*penetrate.Session, error) {
	if b.BindTimeout > 0 {
		_ = ctrl.SetReadDeadline(time.Now().Add(b.BindTimeout))
	}

	msg, err := protocol.RecvPacket(ctrl)
	if err != nil {
		return nil, errors.Wrap(err, "session: failed to read Bind")
	}
	bind, ok := msg.(protocol.Bind)
	if !ok {
		return nil, errors.Errorf("session: expected Bind, got %T", msg)
	}

	if b.BindTimeout > 0 {
		_ = ctrl.SetReadDeadline(time.Time{})
	}

	ln, err := b.Listen(bind.Addr)
	if err != nil {
		failMsg := protocol.BindFailed{Addr: bind.Addr, Reason: err.Error()}
		_ = protocol.SendPacket(ctrl, failMsg)
		return nil, errors.Wrapf(err, "session: failed to bind %s", bind.Addr)
	}

	boundAddr := bind.Addr
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		boundAddr = address.FromTCPAddr(tcpAddr)
	}

	if err := protocol.SendPacket(ctrl, protocol.BindOk{Addr: boundAddr}); err != nil {
		_ = ln.Close()
		return nil, errors.Wrap(err, "session: failed to ack BindOk")
	}
	log.Printf("please visit %s for port mapping", boundAddr)

	unpacker := b.NewUnpacker(boundAddr)
	return penetrate.New(ctrl, wrappedListener{ln}, b.Config, unpacker), nil
}
