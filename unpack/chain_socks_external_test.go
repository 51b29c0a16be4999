package unpack_test

import (
	"context"
	"net"
	"testing"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/fallback"
	"github.com/fusolink/fusod/protocol"
	"github.com/fusolink/fusod/socks"
	"github.com/fusolink/fusod/unpack"
)

// A real mapper greeting must survive socks.New() deferring to
// unpack.NewNormal inside a Chain: the greeting's magic byte is neither
// 0x04 nor 0x05, so socks reads one byte, decides it isn't SOCKS, and
// must leave the stream exactly as Normal needs to see it, from the
// greeting's first byte, not its second (cmd/fusod's -socks wiring).
func TestChainSocksThenNormalSeesFullMapperGreeting(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go b.Write(protocol.EncodeMapperGreeting(7))

	fb := fallback.New(a, false, 0)
	fb.Mark()

	local, _ := address.Parse("0.0.0.0:7000")
	chain := unpack.NewChain(socks.New(), unpack.NewNormal(local))

	peer, err := chain.Unpack(context.Background(), fb)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if peer.Kind != unpack.KindMapper {
		t.Fatalf("Kind = %v, want KindMapper", peer.Kind)
	}
	if peer.MapperID != 7 {
		t.Fatalf("MapperID = %d, want 7", peer.MapperID)
	}
}

// A plain visitor (no SOCKS signature, no greeting magic) must still
// fall through socks to Normal and get classified as KindVisitor against
// the target Normal was configured with, full round trip through Chain.
func TestChainSocksThenNormalSeesPlainVisitor(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go b.Write([]byte("GET / HTTP/1.1"))

	fb := fallback.New(a, false, 0)
	fb.Mark()

	local, _ := address.Parse("10.0.0.1:9000")
	chain := unpack.NewChain(socks.New(), unpack.NewNormal(local))

	peer, err := chain.Unpack(context.Background(), fb)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if peer.Kind != unpack.KindVisitor {
		t.Fatalf("Kind = %v, want KindVisitor", peer.Kind)
	}
	if peer.Target.String() != local.String() {
		t.Fatalf("Target = %v, want %v", peer.Target, local)
	}
}
