package address

import (
	"net"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	addr, err := Parse("127.0.0.1:7000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if addr.Family != IPv4 {
		t.Fatalf("expected IPv4, got %v", addr.Family)
	}
	if got, want := addr.String(), "127.0.0.1:7000"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestWithMixed(t *testing.T) {
	addr := Address{Family: IPv4, IP: net.ParseIP("127.0.0.1").To4(), Port: 80}
	if addr.IsMixed() {
		t.Fatalf("fresh address should not be mixed")
	}
	mixed := addr.WithMixed(true)
	if !mixed.IsMixed() {
		t.Fatalf("expected mixed flag set")
	}
	if addr.IsMixed() {
		t.Fatalf("WithMixed must not mutate receiver")
	}
	plain := mixed.WithMixed(false)
	if plain.IsMixed() {
		t.Fatalf("expected mixed flag cleared")
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("not-an-address"); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}
