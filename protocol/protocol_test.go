package protocol

import (
	"bytes"
	"testing"

	"github.com/fusolink/fusod/address"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	if err := SendPacket(&buf, msg); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	got, err := RecvPacket(&buf)
	if err != nil {
		t.Fatalf("RecvPacket: %v", err)
	}
	return got
}

func TestRoundTripPing(t *testing.T) {
	if _, ok := roundTrip(t, Ping{}).(Ping); !ok {
		t.Fatalf("expected Ping")
	}
}

func TestRoundTripBind(t *testing.T) {
	addr, _ := address.Parse("0.0.0.0:7000")
	got, ok := roundTrip(t, Bind{Addr: addr}).(Bind)
	if !ok {
		t.Fatalf("expected Bind")
	}
	if got.Addr.String() != addr.String() {
		t.Fatalf("Addr = %v, want %v", got.Addr, addr)
	}
}

func TestRoundTripMapMixed(t *testing.T) {
	addr, _ := address.Parse("10.0.0.1:443")
	addr = addr.WithMixed(true)
	got, ok := roundTrip(t, Map{ID: 7, Target: addr}).(Map)
	if !ok {
		t.Fatalf("expected Map")
	}
	if got.ID != 7 {
		t.Fatalf("ID = %d, want 7", got.ID)
	}
	if !got.Target.IsMixed() {
		t.Fatalf("expected mixed flag to round-trip")
	}
}

func TestRoundTripMapError(t *testing.T) {
	got, ok := roundTrip(t, MapError{ID: 3, Reason: "refused"}).(MapError)
	if !ok {
		t.Fatalf("expected MapError")
	}
	if got.ID != 3 || got.Reason != "refused" {
		t.Fatalf("got %+v", got)
	}
}

func TestRecvPacketRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF})
	if _, err := RecvPacket(&buf); err == nil {
		t.Fatalf("expected error for oversized length")
	}
}

func TestRecvPacketTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 5, byte(TagPing)})
	if _, err := RecvPacket(&buf); err == nil {
		t.Fatalf("expected error for truncated body")
	}
}

func TestRecvPacketClassifiesMalformed(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF})
	_, err := RecvPacket(&buf)
	if err == nil {
		t.Fatalf("expected error for oversized length")
	}
	if kind, ok := Kind(err); !ok || kind != ErrKindMalformed {
		t.Fatalf("Kind(err) = (%v, %v), want (ErrKindMalformed, true)", kind, ok)
	}
}

func TestRecvPacketClassifiesIOFailure(t *testing.T) {
	_, err := RecvPacket(bytes.NewReader(nil))
	if err == nil {
		t.Fatalf("expected error for empty reader")
	}
	kind, ok := Kind(err)
	if !ok {
		t.Fatalf("expected a classified error")
	}
	if kind != ErrKindIO {
		t.Fatalf("Kind(err) = %v, want ErrKindIO", kind)
	}
}

func TestMapperGreeting(t *testing.T) {
	greeting := EncodeMapperGreeting(42)
	id, ok := DecodeMapperGreeting(greeting)
	if !ok || id != 42 {
		t.Fatalf("DecodeMapperGreeting = (%d, %v), want (42, true)", id, ok)
	}
	if _, ok := DecodeMapperGreeting([]byte("HELLO")); ok {
		t.Fatalf("expected non-greeting bytes to not decode")
	}
}
