package transport

import (
	"io"
	"testing"
	"time"
)

func testTransportConfig() Config {
	cfg := DefaultConfig("integration-test-pass-phrase")
	cfg.Crypt = "none"
	cfg.Compress = false
	return cfg
}

func TestListenDialRoundTrip(t *testing.T) {
	cfg := testTransportConfig()

	ln, err := Listen("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverConnCh := make(chan error, 1)
	var serverBuf [5]byte
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverConnCh <- err
			return
		}
		defer conn.Close()
		if _, err := io.ReadFull(conn, serverBuf[:]); err != nil {
			serverConnCh <- err
			return
		}
		if _, err := conn.Write([]byte("world")); err != nil {
			serverConnCh <- err
			return
		}
		serverConnCh <- nil
	}()

	clientConn, err := Dial(ln.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	var replyBuf [5]byte
	if _, err := io.ReadFull(clientConn, replyBuf[:]); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(replyBuf[:]) != "world" {
		t.Fatalf("reply = %q, want world", replyBuf)
	}
	if string(serverBuf[:]) != "hello" {
		t.Fatalf("server saw = %q, want hello", serverBuf)
	}

	select {
	case err := <-serverConnCh:
		if err != nil {
			t.Fatalf("server goroutine: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server goroutine did not finish")
	}
}

func TestValidateQPPParamsWarnsOnWeakCount(t *testing.T) {
	warnings, err := ValidateQPPParams(2, "short")
	if err != nil {
		t.Fatalf("ValidateQPPParams: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected warnings for a weak key/count combination")
	}
}

func TestValidateQPPParamsRejectsZeroCount(t *testing.T) {
	if _, err := ValidateQPPParams(0, "whatever"); err == nil {
		t.Fatalf("expected an error for QPPCount == 0")
	}
}
