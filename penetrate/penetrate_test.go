package penetrate

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/forward"
	"github.com/fusolink/fusod/protocol"
	"github.com/fusolink/fusod/unpack"
)

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }

// fakeAccepter feeds pre-built conns to a Session's acceptLoop under test
// control, standing in for a real net.Listener on the public port.
type fakeAccepter struct {
	conns  chan net.Conn
	closed chan struct{}
}

func newFakeAccepter() *fakeAccepter {
	return &fakeAccepter{conns: make(chan net.Conn, 8), closed: make(chan struct{})}
}

func (f *fakeAccepter) push(c net.Conn) { f.conns <- c }

func (f *fakeAccepter) Accept() (net.Conn, error) {
	select {
	case c := <-f.conns:
		return c, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeAccepter) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeAccepter) Addr() net.Addr { return fakeAddr{"127.0.0.1:7000"} }

func testConfig() Config {
	return Config{
		IsMixed:            false,
		MaxWaitTime:        2 * time.Second,
		HeartbeatTimeout:   10 * time.Second,
		FallbackStrictMode: false,
		MaxRecordedBytes:   4096,
		MaxPendingVisitors: 64,
	}
}

func TestSessionForwardsVisitorToMapper(t *testing.T) {
	ctrlServer, ctrlClient := net.Pipe()
	accepter := newFakeAccepter()
	localAddr, _ := address.Parse("0.0.0.0:9000")

	sess := New(ctrlServer, accepter, testConfig(), unpack.NewNormal(localAddr))
	defer sess.Close()

	// drive the fake control client: wait for a Map message, then dial
	// back a mapper connection with the matching greeting.
	mapperClientSide := make(chan net.Conn, 1)
	go func() {
		msg, err := protocol.RecvPacket(ctrlClient)
		if err != nil {
			return
		}
		m, ok := msg.(protocol.Map)
		if !ok {
			return
		}
		mapperServerSide, mapperClient := net.Pipe()
		mapperClientSide <- mapperClient
		go func() {
			accepter.push(mapperServerSide)
			_, _ = mapperClient.Write(protocol.EncodeMapperGreeting(m.ID))
		}()
	}()

	visitorServerSide, visitorClient := net.Pipe()
	defer visitorClient.Close()
	defer ctrlClient.Close()
	go visitorClient.Write([]byte("visitor-hello"))
	accepter.push(visitorServerSide)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	outcome, err := sess.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if outcome.Kind != OutcomeMap {
		t.Fatalf("Kind = %v, want OutcomeMap", outcome.Kind)
	}

	mapperClient := <-mapperClientSide
	go forward.Pipe(outcome.Visitor, outcome.Mapper)

	buf := make([]byte, len("visitor-hello"))
	if _, err := io.ReadFull(mapperClient, buf); err != nil {
		t.Fatalf("read on mapper client side: %v", err)
	}
	if string(buf) != "visitor-hello" {
		t.Fatalf("mapper client got %q, want visitor-hello", buf)
	}

	go mapperClient.Write([]byte("server-reply"))
	buf2 := make([]byte, len("server-reply"))
	if _, err := io.ReadFull(visitorClient, buf2); err != nil {
		t.Fatalf("read on visitor client side: %v", err)
	}
	if string(buf2) != "server-reply" {
		t.Fatalf("visitor client got %q, want server-reply", buf2)
	}
}

func TestSessionMapperWithUnknownIDIsDropped(t *testing.T) {
	ctrlServer, ctrlClient := net.Pipe()
	accepter := newFakeAccepter()
	localAddr, _ := address.Parse("0.0.0.0:9000")

	sess := New(ctrlServer, accepter, testConfig(), unpack.NewNormal(localAddr))
	defer sess.Close()
	defer ctrlClient.Close()

	mapperServerSide, mapperClient := net.Pipe()
	go func() {
		_, _ = mapperClient.Write(protocol.EncodeMapperGreeting(0xDEADBEEF))
	}()
	accepter.push(mapperServerSide)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		mapperClient.Read(buf)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the unmatched mapper connection to be closed")
	}
}
