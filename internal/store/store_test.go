package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ns := s.Namespace("tracking")

	if err := ns.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	v, err := ns.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(v) != "1" {
		t.Errorf("Get() = %q, want 1", v)
	}

	if err := ns.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := ns.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete = %v, want ErrNotFound", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := openTestStore(t)
	a := s.Namespace("a")
	b := s.Namespace("b")

	if err := a.Put([]byte("k"), []byte("from-a")); err != nil {
		t.Fatal(err)
	}
	if ok, err := b.Has([]byte("k")); err != nil || ok {
		t.Errorf("namespace b sees key written to namespace a: ok=%v err=%v", ok, err)
	}
}

func TestIterate(t *testing.T) {
	s := openTestStore(t)
	ns := s.Namespace("snapshot")

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := ns.Put([]byte(k), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	got := map[string]string{}
	err := ns.Iterate(func(key, value []byte) bool {
		got[string(key)] = string(value)
		return true
	})
	if err != nil {
		t.Fatalf("Iterate() error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Iterate() produced %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("entry %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestBatchCommitIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ns := s.Namespace("batch")

	batch := ns.NewBatch()
	batch.Put([]byte("x"), []byte("1"))
	batch.Put([]byte("y"), []byte("2"))
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	for _, k := range []string{"x", "y"} {
		if _, err := ns.Get([]byte(k)); err != nil {
			t.Errorf("Get(%q) after batch commit error: %v", k, err)
		}
	}
}
