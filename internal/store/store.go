// Package store provides the embedded key-value store backing session
// settings, waiting-room snapshots, and the announcement snapshot.
// It wraps goleveldb with namespaced key prefixes so several components
// can share one on-disk database.
package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	goerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("leveldb: not found")

// Store is a namespaced handle onto a shared goleveldb database.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) the goleveldb database rooted at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		if goerrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(path, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("store: open %s: %w", path, err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Namespace returns a view of the store whose keys are all prefixed with
// prefix, so unrelated components never collide on key names.
func (s *Store) Namespace(prefix string) *Namespace {
	return &Namespace{db: s.db, prefix: []byte(prefix + "/")}
}

// Namespace is a prefixed view onto a shared Store.
type Namespace struct {
	db     *leveldb.DB
	prefix []byte
}

func (n *Namespace) key(k []byte) []byte {
	return append(append([]byte{}, n.prefix...), k...)
}

// Get reads the value for key, or ErrNotFound if absent.
func (n *Namespace) Get(key []byte) ([]byte, error) {
	v, err := n.db.Get(n.key(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return v, nil
}

// Has reports whether key is present.
func (n *Namespace) Has(key []byte) (bool, error) {
	ok, err := n.db.Has(n.key(key), nil)
	if err != nil {
		return false, fmt.Errorf("store: has: %w", err)
	}
	return ok, nil
}

// Put durably writes key -> value. It returns only after the write is
// flushed to goleveldb's write-ahead log, satisfying the durability
// requirement on tracking registry mutations.
func (n *Namespace) Put(key, value []byte) error {
	if err := n.db.Put(n.key(key), value, nil); err != nil {
		return fmt.Errorf("store: put: %w", err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (n *Namespace) Delete(key []byte) error {
	if err := n.db.Delete(n.key(key), nil); err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// WriteBatch atomically applies puts and deletes together.
type WriteBatch struct {
	ns    *Namespace
	batch leveldb.Batch
}

// NewBatch starts an atomic batch of writes scoped to this namespace.
func (n *Namespace) NewBatch() *WriteBatch {
	return &WriteBatch{ns: n}
}

func (b *WriteBatch) Put(key, value []byte) { b.batch.Put(b.ns.key(key), value) }
func (b *WriteBatch) Delete(key []byte)     { b.batch.Delete(b.ns.key(key)) }

// PutIn stages a write under another namespace of the same database, so
// one commit can span namespaces (e.g. refs + identity + tracking
// applied together or not at all).
func (b *WriteBatch) PutIn(n *Namespace, key, value []byte) { b.batch.Put(n.key(key), value) }

// Commit applies the batch atomically.
func (b *WriteBatch) Commit() error {
	if err := b.ns.db.Write(&b.batch, nil); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

// Iterate calls fn for every key (with the namespace prefix stripped) and
// value under this namespace, in key order. Iteration stops early if fn
// returns false.
func (n *Namespace) Iterate(fn func(key, value []byte) bool) error {
	iter := n.db.NewIterator(util.BytesPrefix(n.prefix), nil)
	defer iter.Release()

	for iter.Next() {
		key := bytes.TrimPrefix(iter.Key(), n.prefix)
		if !fn(key, iter.Value()) {
			break
		}
	}
	return iter.Error()
}
