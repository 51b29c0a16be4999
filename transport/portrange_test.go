package transport

import "testing"

func TestParsePortRangeValid(t *testing.T) {
	tests := []struct {
		name string
		addr string
		host string
		min  int
		max  int
	}{
		{name: "SinglePort", addr: "example.com:2000", host: "example.com", min: 2000, max: 2000},
		{name: "Range", addr: "example.com:2000-2005", host: "example.com", min: 2000, max: 2005},
		{name: "AllInterfaces", addr: ":7000-7002", host: "", min: 7000, max: 7002},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr, err := ParsePortRange(tt.addr)
			if err != nil {
				t.Fatalf("ParsePortRange(%q): %v", tt.addr, err)
			}
			if pr.Host != tt.host || pr.MinPort != tt.min || pr.MaxPort != tt.max {
				t.Fatalf("got %+v, want host=%q min=%d max=%d", pr, tt.host, tt.min, tt.max)
			}
		})
	}
}

func TestParsePortRangeInvalid(t *testing.T) {
	tests := []string{
		"example.com",
		"example.com:0",
		"example.com:70000",
		"example.com:3000-2000",
	}
	for _, addr := range tests {
		if _, err := ParsePortRange(addr); err == nil {
			t.Fatalf("ParsePortRange(%q) expected error", addr)
		}
	}
}

func TestPortRangePorts(t *testing.T) {
	pr, err := ParsePortRange("127.0.0.1:9000-9002")
	if err != nil {
		t.Fatalf("ParsePortRange: %v", err)
	}
	got := pr.Ports()
	want := []string{"127.0.0.1:9000", "127.0.0.1:9001", "127.0.0.1:9002"}
	if len(got) != len(want) {
		t.Fatalf("Ports() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ports()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
