package tracking

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/store"
	"github.com/shurlinet/peerd/internal/urn"
)

func testPeer(t *testing.T, _ byte) peerid.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peerid.FromPublicKey(pub)
	if err != nil {
		t.Fatalf("derive peer id: %v", err)
	}
	return id
}

func openRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return Open(s)
}

func TestTrackingMonotone(t *testing.T) {
	reg := openRegistry(t)
	u, err := urn.New(urn.TagProject, []byte("project-a"))
	if err != nil {
		t.Fatalf("new urn: %v", err)
	}
	p := testPeer(t, 1)

	ok, err := reg.IsTracked(u, p)
	if err != nil || ok {
		t.Fatalf("expected untracked initially, got %v, %v", ok, err)
	}

	if err := reg.Track(u, p); err != nil {
		t.Fatalf("track: %v", err)
	}
	ok, err = reg.IsTracked(u, p)
	if err != nil || !ok {
		t.Fatalf("expected tracked after Track, got %v, %v", ok, err)
	}

	// Tracking again is idempotent.
	if err := reg.Track(u, p); err != nil {
		t.Fatalf("re-track: %v", err)
	}
	ok, _ = reg.IsTracked(u, p)
	if !ok {
		t.Fatal("expected still tracked after re-track")
	}

	if err := reg.Untrack(u, p); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	ok, _ = reg.IsTracked(u, p)
	if ok {
		t.Fatal("expected untracked after Untrack")
	}
}

func TestTrackingList(t *testing.T) {
	reg := openRegistry(t)
	u, _ := urn.New(urn.TagProject, []byte("project-b"))
	p1 := testPeer(t, 1)
	p2 := testPeer(t, 2)

	if err := reg.Track(u, p1); err != nil {
		t.Fatal(err)
	}
	if err := reg.Track(u, p2); err != nil {
		t.Fatal(err)
	}

	peers, err := reg.List(u)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 tracked peers, got %d", len(peers))
	}
}
