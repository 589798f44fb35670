// Package keystore manages the on-disk secret keys under the node's
// keys/ directory, one file per purpose. The file holds the marshalled
// private key; permission checks run before any key is used.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Failure modes, kinds per the error taxonomy.
var (
	// ErrNotInitialized is returned when no key file exists for the
	// requested purpose.
	ErrNotInitialized = errors.New("keystore: not initialized")

	// ErrWrongPassphrase is returned when a key file cannot be opened
	// with the supplied passphrase.
	ErrWrongPassphrase = errors.New("keystore: wrong passphrase")

	// ErrCorrupt is returned when a key file exists but does not
	// unmarshal to a usable key.
	ErrCorrupt = errors.New("keystore: corrupt key file")
)

// Purpose names a key file within the keys/ directory.
type Purpose string

const (
	// PurposePeer is the libp2p host identity key.
	PurposePeer Purpose = "peer"

	// PurposeSigning signs identity documents and ref sets.
	PurposeSigning Purpose = "signing"
)

// Keystore is a directory of key files.
type Keystore struct {
	dir string
}

// Open returns a Keystore rooted at dir (typically <root>/keys),
// creating the directory with owner-only permissions if needed.
func Open(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("keystore: create %s: %w", dir, err)
	}
	return &Keystore{dir: dir}, nil
}

// Dir returns the keystore's directory.
func (k *Keystore) Dir() string { return k.dir }

func (k *Keystore) path(p Purpose) string {
	return filepath.Join(k.dir, string(p)+".key")
}

// CheckKeyFilePermissions verifies that a key file is not readable by group or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Initialized reports whether a key exists for the given purpose.
func (k *Keystore) Initialized(p Purpose) bool {
	_, err := os.Stat(k.path(p))
	return err == nil
}

// Load reads the key for the given purpose. Returns ErrNotInitialized
// if the file is absent and ErrCorrupt if it does not unmarshal.
func (k *Keystore) Load(p Purpose) (crypto.PrivKey, error) {
	path := k.path(p)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotInitialized, path)
		}
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	if err := CheckKeyFilePermissions(path); err != nil {
		return nil, err
	}
	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return priv, nil
}

// Store writes the key for the given purpose with owner-only
// permissions, overwriting any existing file.
func (k *Keystore) Store(p Purpose, priv crypto.PrivKey) error {
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("keystore: marshal key: %w", err)
	}
	if err := os.WriteFile(k.path(p), data, 0600); err != nil {
		return fmt.Errorf("keystore: save key to %s: %w", k.path(p), err)
	}
	return nil
}

// LoadOrCreate loads an existing key for the given purpose or generates
// and stores a new Ed25519 key.
func (k *Keystore) LoadOrCreate(p Purpose) (crypto.PrivKey, error) {
	priv, err := k.Load(p)
	if err == nil {
		return priv, nil
	}
	if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}

	priv, _, err = crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate keypair: %w", err)
	}
	if err := k.Store(p, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

// Remove deletes the key file for the given purpose. Removing an absent
// key is not an error.
func (k *Keystore) Remove(p Purpose) error {
	err := os.Remove(k.path(p))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keystore: remove %s: %w", k.path(p), err)
	}
	return nil
}

// PeerID derives the peer identifier from the stored peer key, creating
// the key if absent.
func (k *Keystore) PeerID() (peer.ID, error) {
	priv, err := k.LoadOrCreate(PurposePeer)
	if err != nil {
		return "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("keystore: derive peer ID: %w", err)
	}
	return id, nil
}
