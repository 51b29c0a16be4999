package session

import (
	"net"
	"testing"
	"time"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/penetrate"
	"github.com/fusolink/fusod/protocol"
	"github.com/pkg/errors"
)

type fakeListener struct {
	addr  net.Addr
	conns chan net.Conn
}

func newFakeListener(addr string) *fakeListener {
	a, _ := net.ResolveTCPAddr("tcp", addr)
	return &fakeListener{addr: a, conns: make(chan net.Conn, 4)}
}

func (l *fakeListener) Accept() (net.Conn, error) {
	c, ok := <-l.conns
	if !ok {
		return nil, errClosed
	}
	return c, nil
}
func (l *fakeListener) Close() error   { close(l.conns); return nil }
func (l *fakeListener) Addr() net.Addr { return l.addr }

var errClosed = net.ErrClosed

func testPenetrateConfig() penetrate.Config {
	return penetrate.Config{
		MaxWaitTime:        2 * time.Second,
		HeartbeatTimeout:   10 * time.Second,
		MaxRecordedBytes:   4096,
		MaxPendingVisitors: 64,
	}
}

func TestBuildNegotiatesBindOk(t *testing.T) {
	ctrlServer, ctrlClient := net.Pipe()
	defer ctrlClient.Close()

	requested, _ := address.Parse("0.0.0.0:0")

	b := NewBuilder(func(addr address.Address) (Listener, error) {
		return newFakeListener("127.0.0.1:18080"), nil
	}, testPenetrateConfig(), time.Second)

	resultCh := make(chan error, 1)
	var sess *penetrate.Session
	go func() {
		var err error
		sess, err = b.Build(ctrlServer)
		resultCh <- err
	}()

	if err := protocol.SendPacket(ctrlClient, protocol.Bind{Addr: requested}); err != nil {
		t.Fatalf("send Bind: %v", err)
	}

	msg, err := protocol.RecvPacket(ctrlClient)
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	ok, isOk := msg.(protocol.BindOk)
	if !isOk {
		t.Fatalf("reply = %T, want BindOk", msg)
	}
	if ok.Addr.Port != 18080 {
		t.Fatalf("BindOk.Addr.Port = %d, want 18080", ok.Addr.Port)
	}

	if err := <-resultCh; err != nil {
		t.Fatalf("Build: %v", err)
	}
	if sess == nil {
		t.Fatalf("Build returned nil session with no error")
	}
	defer sess.Close()
}

func TestBuildRejectsNonBindFirstMessage(t *testing.T) {
	ctrlServer, ctrlClient := net.Pipe()
	defer ctrlClient.Close()
	defer ctrlServer.Close()

	b := NewBuilder(func(addr address.Address) (Listener, error) {
		return newFakeListener("127.0.0.1:0"), nil
	}, testPenetrateConfig(), time.Second)

	resultCh := make(chan error, 1)
	go func() {
		_, err := b.Build(ctrlServer)
		resultCh <- err
	}()

	if err := protocol.SendPacket(ctrlClient, protocol.Ping{}); err != nil {
		t.Fatalf("send Ping: %v", err)
	}

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatalf("expected Build to reject a non-Bind first message")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Build did not return")
	}
}

func TestBuildSendsBindFailedOnListenError(t *testing.T) {
	ctrlServer, ctrlClient := net.Pipe()
	defer ctrlClient.Close()
	defer ctrlServer.Close()

	requested, _ := address.Parse("0.0.0.0:0")
	listenErr := errListen

	b := NewBuilder(func(addr address.Address) (Listener, error) {
		return nil, listenErr
	}, testPenetrateConfig(), time.Second)

	resultCh := make(chan error, 1)
	go func() {
		_, err := b.Build(ctrlServer)
		resultCh <- err
	}()

	if err := protocol.SendPacket(ctrlClient, protocol.Bind{Addr: requested}); err != nil {
		t.Fatalf("send Bind: %v", err)
	}

	msg, err := protocol.RecvPacket(ctrlClient)
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	if _, ok := msg.(protocol.BindFailed); !ok {
		t.Fatalf("reply = %T, want BindFailed", msg)
	}

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatalf("expected Build to return an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Build did not return")
	}
}

var errListen = errors.New("session: listen failed")
