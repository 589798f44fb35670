package keystore

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadMissingReturnsNotInitialized(t *testing.T) {
	k, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := k.Load(PurposePeer); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
}

func TestLoadOrCreateRoundTrip(t *testing.T) {
	k, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	priv1, err := k.LoadOrCreate(PurposePeer)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	priv2, err := k.Load(PurposePeer)
	if err != nil {
		t.Fatalf("Load after create: %v", err)
	}
	if !priv1.Equals(priv2) {
		t.Error("loaded key differs from created key")
	}
}

func TestCorruptKeyFile(t *testing.T) {
	dir := t.TempDir()
	k, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "peer.key"), []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Load(PurposePeer); !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v, want ErrCorrupt", err)
	}
}

func TestInsecurePermissionsRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on windows")
	}
	dir := t.TempDir()
	k, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := k.LoadOrCreate(PurposePeer); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if err := os.Chmod(filepath.Join(dir, "peer.key"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Load(PurposePeer); err == nil {
		t.Error("expected error for group/world-readable key file")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	k, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := k.LoadOrCreate(PurposeSigning); err != nil {
		t.Fatal(err)
	}
	if err := k.Remove(PurposeSigning); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := k.Remove(PurposeSigning); err != nil {
		t.Errorf("second Remove: %v", err)
	}
	if k.Initialized(PurposeSigning) {
		t.Error("key still reported as initialized after Remove")
	}
}

func TestPeerIDIsStable(t *testing.T) {
	k, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id1, err := k.PeerID()
	if err != nil {
		t.Fatalf("PeerID: %v", err)
	}
	id2, err := k.PeerID()
	if err != nil {
		t.Fatalf("PeerID: %v", err)
	}
	if id1 != id2 {
		t.Errorf("peer ID changed across calls: %s != %s", id1, id2)
	}
}
