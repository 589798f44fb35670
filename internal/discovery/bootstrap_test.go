package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const testPeerAddr = "/ip4/192.168.1.10/tcp/4001/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"

func TestNewBootstrapParsesAddrs(t *testing.T) {
	b, err := NewBootstrap([]string{testPeerAddr})
	if err != nil {
		t.Fatalf("NewBootstrap: %v", err)
	}
	if len(b.Peers()) != 1 {
		t.Fatalf("got %d peers, want 1", len(b.Peers()))
	}
	if len(b.Peers()[0].Addrs) != 1 {
		t.Errorf("peer info lost its transport address")
	}
}

func TestNewBootstrapRejectsGarbage(t *testing.T) {
	if _, err := NewBootstrap([]string{"not-a-multiaddr"}); err == nil {
		t.Error("expected error for invalid multiaddr")
	}
}

func TestBootstrapFindPeersEmitsOnceAndCloses(t *testing.T) {
	b, err := NewBootstrap([]string{testPeerAddr})
	if err != nil {
		t.Fatalf("NewBootstrap: %v", err)
	}
	ch, err := b.FindPeers(context.Background())
	if err != nil {
		t.Fatalf("FindPeers: %v", err)
	}

	var got []peer.AddrInfo
	for info := range ch {
		got = append(got, info)
	}
	if len(got) != 1 {
		t.Fatalf("got %d emissions, want 1", len(got))
	}
}

func TestCombinedMergesAndCloses(t *testing.T) {
	b1, _ := NewBootstrap([]string{testPeerAddr})
	b2, _ := NewBootstrap(nil)

	ch, err := Combine(b1, b2).FindPeers(context.Background())
	if err != nil {
		t.Fatalf("FindPeers: %v", err)
	}

	var n int
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if n != 1 {
					t.Fatalf("got %d emissions, want 1", n)
				}
				return
			}
			n++
		case <-timeout:
			t.Fatal("merged channel never closed")
		}
	}
}
