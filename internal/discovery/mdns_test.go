package discovery

import (
	"strings"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("NewMultiaddr(%q): %v", s, err)
	}
	return addr
}

func TestSuitableForMDNS(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"/ip4/192.168.1.5/tcp/4001", true},
		{"/ip6/fe80::1/udp/4001/quic-v1", true},
		{"/dns4/printer.local/tcp/4001", true},
		{"/dns4/example.com/tcp/4001", false},
		{"/ip4/1.2.3.4/tcp/4001/p2p-circuit", false},
		{"/ip4/1.2.3.4/tcp/4001/ws", false},
	}
	for _, tt := range tests {
		if got := suitableForMDNS(mustAddr(t, tt.addr)); got != tt.want {
			t.Errorf("suitableForMDNS(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
	if suitableForMDNS(nil) {
		t.Error("nil addr should not be suitable")
	}
}

func TestHostIPs(t *testing.T) {
	addrs := []ma.Multiaddr{
		mustAddr(t, "/ip4/192.168.1.5/tcp/4001"),
		mustAddr(t, "/ip6/fe80::1/tcp/4001"),
		mustAddr(t, "/ip4/10.0.0.9/tcp/4001"),
	}
	ips := hostIPs(addrs)
	if len(ips) != 2 {
		t.Fatalf("got %d IPs, want 2 (one v4, one v6): %v", len(ips), ips)
	}
	if ips[0] != "192.168.1.5" {
		t.Errorf("first IPv4 = %s, want 192.168.1.5", ips[0])
	}
}

func TestHostIPsFallsBackToLoopback(t *testing.T) {
	ips := hostIPs(nil)
	if len(ips) != 1 || ips[0] != "127.0.0.1" {
		t.Errorf("got %v, want [127.0.0.1]", ips)
	}
}

func TestRandomStringAlphabet(t *testing.T) {
	s := randomString(40)
	if len(s) != 40 {
		t.Fatalf("len = %d, want 40", len(s))
	}
	if strings.ContainsAny(s, "ABCDEFGHIJKLMNOPQRSTUVWXYZ./") {
		t.Errorf("unexpected characters in %q", s)
	}
}
