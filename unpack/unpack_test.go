package unpack

import (
	"context"
	"net"
	"testing"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/fallback"
	"github.com/fusolink/fusod/protocol"
)

func TestNormalUnpackVisitor(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go b.Write([]byte("HELLO"))

	fb := fallback.New(a, false, 0)
	fb.Mark()

	local, _ := address.Parse("0.0.0.0:7000")
	n := NewNormal(local)
	peer, err := n.Unpack(context.Background(), fb)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if peer.Kind != KindVisitor {
		t.Fatalf("Kind = %v, want KindVisitor", peer.Kind)
	}
	if peer.Target.String() != local.String() {
		t.Fatalf("Target = %v, want %v", peer.Target, local)
	}
}

func TestNormalUnpackMapper(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go b.Write(protocol.EncodeMapperGreeting(99))

	fb := fallback.New(a, false, 0)
	fb.Mark()

	local, _ := address.Parse("0.0.0.0:7000")
	peer, err := NewNormal(local).Unpack(context.Background(), fb)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if peer.Kind != KindMapper || peer.MapperID != 99 {
		t.Fatalf("peer = %+v, want Mapper(99)", peer)
	}
}

type unknownUnpacker struct{ called *bool }

func (u unknownUnpacker) Unpack(ctx context.Context, fb *fallback.Stream) (Peer, error) {
	*u.called = true
	return Peer{Kind: KindUnknown, Stream: fb}, nil
}

func TestChainFallsThroughUnknown(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go b.Write([]byte("HELLO"))

	fb := fallback.New(a, false, 0)
	fb.Mark()

	local, _ := address.Parse("0.0.0.0:7000")
	var called bool
	chain := NewChain(unknownUnpacker{&called}, NewNormal(local))

	peer, err := chain.Unpack(context.Background(), fb)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !called {
		t.Fatalf("expected first unpacker to be tried")
	}
	if peer.Kind != KindVisitor {
		t.Fatalf("Kind = %v, want KindVisitor", peer.Kind)
	}
}
