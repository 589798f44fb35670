package monorepo

import (
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/shurlinet/peerd/internal/identitydoc"
	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/store"
	"github.com/shurlinet/peerd/internal/urn"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return Open(db)
}

func signUser(t *testing.T, handle string) (identitydoc.Doc, urn.URN) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	doc, u, err := identitydoc.SignUser(priv, identitydoc.User{Handle: handle})
	if err != nil {
		t.Fatalf("sign user: %v", err)
	}
	return doc, u
}

func testPeer(t *testing.T) peerid.ID {
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

// TestInitOwner covers scenario S1.
func TestInitOwner(t *testing.T) {
	s := openStore(t)
	doc, u := signUser(t, "cloudhead")

	if err := s.SetDefaultOwner(u, doc); err != nil {
		t.Fatalf("set_default_owner: %v", err)
	}

	owner, err := s.GetDefaultOwner()
	if err != nil {
		t.Fatalf("get_default_owner: %v", err)
	}
	if owner == nil {
		t.Fatal("expected an owner")
	}
	got, err := identitydoc.DecodeUser(owner.Doc)
	if err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if got.Handle != "cloudhead" {
		t.Fatalf("expected handle cloudhead, got %q", got.Handle)
	}

	// A second CreateIdentity of the same document fails with
	// AlreadyExists, per S1.
	err = s.CreateIdentity(u, doc)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCloneIdentityAdoptsOnFirstReplication(t *testing.T) {
	s := openStore(t)
	doc, u := signUser(t, "alice")
	remote := testPeer(t)
	refs := RefSet{Refs: map[string]string{"refs/heads/it": "deadbeef"}}

	if err := s.CloneIdentity(u, remote, doc, refs); err != nil {
		t.Fatalf("clone_identity: %v", err)
	}

	has, err := s.Has(u)
	if err != nil || !has {
		t.Fatalf("expected identity adopted, has=%v err=%v", has, err)
	}

	tracked, err := s.Tracked(u)
	if err != nil {
		t.Fatalf("tracked: %v", err)
	}
	if len(tracked) != 1 || !tracked[0].Equal(remote) {
		t.Fatalf("expected remote tracked, got %v", tracked)
	}

	got, err := s.SignedRefs(u, remote)
	if err != nil {
		t.Fatalf("signed_refs: %v", err)
	}
	if got.Refs["refs/heads/it"] != "deadbeef" {
		t.Fatalf("expected fetched ref present, got %+v", got)
	}
}

func TestFetchRequiresExistingIdentity(t *testing.T) {
	s := openStore(t)
	_, u := signUser(t, "bob")
	remote := testPeer(t)

	err := s.Fetch(u, remote, RefSet{Refs: map[string]string{"refs/heads/main": "abc"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOwnedProjects(t *testing.T) {
	s := openStore(t)
	_, owner := signUser(t, "alice")
	if err := s.SetDefaultOwner(owner, identitydoc.Doc{}); err != nil {
		t.Fatalf("set_default_owner: %v", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	projDoc, projURN, err := identitydoc.SignProject(priv, identitydoc.Project{
		Name:          "heartwood",
		DefaultBranch: "master",
		Maintainers:   []string{owner.String()},
	})
	if err != nil {
		t.Fatalf("sign project: %v", err)
	}
	if err := s.CreateIdentity(projURN, projDoc); err != nil {
		t.Fatalf("create_identity: %v", err)
	}

	entries, err := s.List(FilterOwnedProjects)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].URN != projURN {
		t.Fatalf("expected one owned project, got %+v", entries)
	}
}

func TestObjectRoundTrip(t *testing.T) {
	s := openStore(t)
	_, u := signUser(t, "cloudhead")

	content := []byte("Successor commit\n\nrepeated payload to give the compressor something to chew on; repeated payload to give the compressor something to chew on.")
	oid, err := s.PutObject(u, content)
	if err != nil {
		t.Fatalf("put_object: %v", err)
	}

	ok, err := s.HasObject(u, oid)
	if err != nil || !ok {
		t.Fatalf("has_object = %v, %v; want true", ok, err)
	}

	got, err := s.GetObject(u, oid)
	if err != nil {
		t.Fatalf("get_object: %v", err)
	}
	if string(got) != string(content) {
		t.Error("object content changed across the round trip")
	}

	if _, err := s.GetObject(u, "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get_object(unknown) = %v, want ErrNotFound", err)
	}
}
