package replication

import (
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peerd/internal/identitydoc"
	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/store"
	"github.com/shurlinet/peerd/internal/urn"
	"github.com/shurlinet/peerd/pkg/monorepo"
)

func newEngine(t *testing.T) (*Engine, *monorepo.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mono := monorepo.Open(db)
	e := New(mono, nil, "test")
	return e, mono
}

func testPeer(t *testing.T) peerid.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peerid.FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func signProject(t *testing.T, maintainer string) (identitydoc.Doc, urn.URN) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	doc, u, err := identitydoc.SignProject(priv, identitydoc.Project{
		Name:        "heartwood",
		Maintainers: []string{maintainer},
	})
	if err != nil {
		t.Fatal(err)
	}
	return doc, u
}

// TestReplicateAdoptsNewIdentity: the first successful replication adopts
// the identity document, not merely its refs.
func TestReplicateAdoptsNewIdentity(t *testing.T) {
	e, mono := newEngine(t)
	remote := testPeer(t)
	doc, u := signProject(t, "rad:user:bafkreigh2akiscaildcqabsdfn")
	refs := monorepo.RefSet{Refs: map[string]string{"refs/heads/it": "oid1"}}

	e.Fetcher = func(ctx context.Context, gotURN urn.URN, gotPeer peerid.ID, addrs []ma.Multiaddr) (identitydoc.Doc, monorepo.RefSet, error) {
		return doc, refs, nil
	}

	if err := e.Replicate(context.Background(), u, remote, nil); err != nil {
		t.Fatalf("replicate: %v", err)
	}

	has, err := mono.Has(u)
	if err != nil || !has {
		t.Fatalf("expected identity adopted, has=%v err=%v", has, err)
	}
	tracked, err := mono.Tracked(u)
	if err != nil || len(tracked) != 1 {
		t.Fatalf("expected one tracked peer, got %v err=%v", tracked, err)
	}
}

// TestReplicateLeavesStorageUntouchedOnFailure checks the "any failure
// leaves storage in the pre-call state" for the fetch step specifically
// (tracking is marked regardless, per step 1, but identity adoption and
// refs are not applied).
func TestReplicateLeavesStorageUntouchedOnFailure(t *testing.T) {
	e, mono := newEngine(t)
	remote := testPeer(t)
	_, u := signProject(t, "rad:user:bafkreigh2akiscaildcqabsdfn")

	e.Fetcher = func(ctx context.Context, gotURN urn.URN, gotPeer peerid.ID, addrs []ma.Multiaddr) (identitydoc.Doc, monorepo.RefSet, error) {
		return identitydoc.Doc{}, monorepo.RefSet{}, ErrNoProviderReachable
	}

	err := e.Replicate(context.Background(), u, remote, nil)
	if !errors.Is(err, ErrNoProviderReachable) {
		t.Fatalf("expected ErrNoProviderReachable, got %v", err)
	}

	has, err := mono.Has(u)
	if err != nil || has {
		t.Fatalf("expected identity not adopted on failure, has=%v err=%v", has, err)
	}
}

// TestConcurrentFetchRefused: at most one fetch in flight per (urn, peer).
func TestConcurrentFetchRefused(t *testing.T) {
	e, _ := newEngine(t)
	remote := testPeer(t)
	doc, u := signProject(t, "rad:user:bafkreigh2akiscaildcqabsdfn")
	refs := monorepo.RefSet{Refs: map[string]string{"refs/heads/it": "oid1"}}

	started := make(chan struct{})
	release := make(chan struct{})
	e.Fetcher = func(ctx context.Context, gotURN urn.URN, gotPeer peerid.ID, addrs []ma.Multiaddr) (identitydoc.Doc, monorepo.RefSet, error) {
		close(started)
		<-release
		return doc, refs, nil
	}

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = e.Replicate(context.Background(), u, remote, nil)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first replicate never entered fetch")
	}

	secondErr := e.Replicate(context.Background(), u, remote, nil)
	if !errors.Is(secondErr, ErrConcurrentFetchRefused) {
		t.Fatalf("expected ErrConcurrentFetchRefused, got %v", secondErr)
	}

	close(release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("expected first replicate to succeed, got %v", firstErr)
	}
}
