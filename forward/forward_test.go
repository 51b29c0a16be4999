package forward

import (
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns two connected *net.TCPConn so CloseWrite is exercised.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-acceptCh
	if server == nil {
		t.Fatalf("accept failed")
	}
	return client, server
}

func TestPipeForwardsBothWays(t *testing.T) {
	v1, v2 := tcpPair(t) // stands in for the visitor stream
	m1, m2 := tcpPair(t) // stands in for the mapper stream
	defer v2.Close()
	defer m2.Close()

	done := make(chan struct{})
	go func() {
		Pipe(v1, m1)
		close(done)
	}()

	if _, err := v2.Write([]byte("to-mapper")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 9)
	if _, err := io.ReadFull(m2, buf); err != nil || string(buf) != "to-mapper" {
		t.Fatalf("mapper side got %q, %v", buf, err)
	}

	if _, err := m2.Write([]byte("to-visitor")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf2 := make([]byte, 10)
	if _, err := io.ReadFull(v2, buf2); err != nil || string(buf2) != "to-visitor" {
		t.Fatalf("visitor side got %q, %v", buf2, err)
	}

	v2.Close()
	m2.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Pipe did not terminate after both peers closed")
	}
}

func TestPipeHalfCloseLetsOtherDirectionFinish(t *testing.T) {
	v1, v2 := tcpPair(t)
	m1, m2 := tcpPair(t)
	defer v2.Close()
	defer m2.Close()

	done := make(chan struct{})
	go func() {
		Pipe(v1, m1)
		close(done)
	}()

	// visitor is done sending, but still wants to read a reply.
	v2.(*net.TCPConn).CloseWrite()

	if _, err := m2.Write([]byte("late-reply")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 10)
	n, err := io.ReadFull(v2, buf)
	if err != nil || string(buf[:n]) != "late-reply" {
		t.Fatalf("visitor side got %q, %v, want late-reply after half-close", buf[:n], err)
	}

	v2.Close()
	m2.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Pipe did not terminate")
	}
}
