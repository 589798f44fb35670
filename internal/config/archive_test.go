package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestArchiveAndRollback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	if err := os.WriteFile(path, []byte("version: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := Archive(path); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !HasArchive(path) {
		t.Fatal("archive not found after Archive")
	}

	// Clobber the live config, then roll back.
	if err := os.WriteFile(path, []byte("version: broken\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := Rollback(path); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "version: 1\n" {
		t.Errorf("rollback content = %q, want original", data)
	}
}

func TestRollbackWithoutArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := Rollback(path); !errors.Is(err, ErrNoArchive) {
		t.Errorf("got %v, want ErrNoArchive", err)
	}
}

func TestArchivePathIsHidden(t *testing.T) {
	got := ArchivePath("/data/peerd/config.yaml")
	want := "/data/peerd/.config.last-good.yaml"
	if got != want {
		t.Errorf("ArchivePath = %q, want %q", got, want)
	}
}
