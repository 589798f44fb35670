package announce

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/shurlinet/peerd/internal/identitydoc"
	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/store"
	"github.com/shurlinet/peerd/internal/urn"
	"github.com/shurlinet/peerd/pkg/monorepo"
)

type recordingGossiper struct {
	haves []Triple
}

func (g *recordingGossiper) Have(_ context.Context, u urn.URN, ref, oid string) error {
	g.haves = append(g.haves, Triple{URN: u, Ref: ref, Oid: oid})
	return nil
}

func setup(t *testing.T) (*monorepo.Store, *store.Store, urn.URN) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mono := monorepo.Open(db)

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	userDoc, owner, err := identitydoc.SignUser(priv, identitydoc.User{Handle: "cloudhead"})
	if err != nil {
		t.Fatal(err)
	}
	if err := mono.SetDefaultOwner(owner, userDoc); err != nil {
		t.Fatalf("set_default_owner: %v", err)
	}

	projDoc, projURN, err := identitydoc.SignProject(priv, identitydoc.Project{
		Name:          "heartwood",
		DefaultBranch: "main",
		Maintainers:   []string{owner.String()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mono.CreateIdentity(projURN, projDoc); err != nil {
		t.Fatal(err)
	}
	return mono, db, projURN
}

// TestAnnounceDiff covers scenario S6.
func TestAnnounceDiff(t *testing.T) {
	mono, db, projURN := setup(t)
	gossiper := &recordingGossiper{}
	engine := New(mono, gossiper, db, nil)

	if err := mono.PutSignedRefs(projURN, peerid.ID{}, monorepo.RefSet{
		Refs: map[string]string{"refs/heads/main": "oid1"},
	}); err != nil {
		t.Fatalf("put_signed_refs: %v", err)
	}

	updates, err := engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run_once: %v", err)
	}
	if len(updates) != 1 || updates[0].Oid != "oid1" {
		t.Fatalf("expected one update for oid1, got %+v", updates)
	}
	if len(gossiper.haves) != 1 {
		t.Fatalf("expected one Have gossiped, got %d", len(gossiper.haves))
	}

	// A second cycle with no ref changes emits no gossip.
	gossiper.haves = nil
	updates, err = engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run_once 2: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected no updates on unchanged refs, got %+v", updates)
	}
	if len(gossiper.haves) != 0 {
		t.Fatalf("expected no gossip on unchanged refs, got %+v", gossiper.haves)
	}
}

type recordingProvider struct {
	provided []urn.URN
}

func (p *recordingProvider) Provide(_ context.Context, u urn.URN) error {
	p.provided = append(p.provided, u)
	return nil
}

// TestProviderRecordRepublishedEveryCycle: provider records expire and
// peers churn, so every cycle re-publishes each owned project even when
// the ref diff is empty.
func TestProviderRecordRepublishedEveryCycle(t *testing.T) {
	mono, db, projURN := setup(t)
	gossiper := &recordingGossiper{}
	provider := &recordingProvider{}
	engine := New(mono, gossiper, db, nil)
	engine.SetProvider(provider)

	if _, err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("run_once: %v", err)
	}
	if len(provider.provided) != 1 || provider.provided[0] != projURN {
		t.Fatalf("expected one provide for %s, got %+v", projURN, provider.provided)
	}

	// The second, diff-less cycle still provides.
	if _, err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("run_once 2: %v", err)
	}
	if len(provider.provided) != 2 {
		t.Fatalf("expected provide on every cycle, got %d calls", len(provider.provided))
	}
}
