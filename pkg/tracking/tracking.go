// Package tracking implements the tracking registry: a persistent
// set of (URN, Peer) pairs the local node follows. It gates which remote
// refs the Replication Engine retains and is the durability boundary
// monotonicity depends on: once tracked, a pair stays tracked until an
// explicit untrack.
package tracking

import (
	"fmt"

	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/store"
	"github.com/shurlinet/peerd/internal/urn"
)

const namespace = "tracking"

// Registry is a durable set<(URN, Peer)>.
type Registry struct {
	ns *store.Namespace
}

// Open returns a Registry backed by the "tracking" namespace of s.
func Open(s *store.Store) *Registry {
	return &Registry{ns: s.Namespace(namespace)}
}

func key(u urn.URN, p peerid.ID) []byte {
	return []byte(u.Root().String() + "\x00" + p.String())
}

// Track records that peer p is followed for urn u. Idempotent. Returns
// only once the write is durable.
func (r *Registry) Track(u urn.URN, p peerid.ID) error {
	if err := r.ns.Put(key(u, p), []byte{1}); err != nil {
		return fmt.Errorf("tracking: track %s/%s: %w", u, p, err)
	}
	return nil
}

// TrackIn stages the track write into b, letting callers commit it
// atomically alongside their own writes.
func (r *Registry) TrackIn(b *store.WriteBatch, u urn.URN, p peerid.ID) {
	b.PutIn(r.ns, key(u, p), []byte{1})
}

// Untrack is the only operation that may flip IsTracked back to false for
// a pair.
func (r *Registry) Untrack(u urn.URN, p peerid.ID) error {
	if err := r.ns.Delete(key(u, p)); err != nil {
		return fmt.Errorf("tracking: untrack %s/%s: %w", u, p, err)
	}
	return nil
}

// IsTracked reports whether (u, p) is currently tracked.
func (r *Registry) IsTracked(u urn.URN, p peerid.ID) (bool, error) {
	ok, err := r.ns.Has(key(u, p))
	if err != nil {
		return false, fmt.Errorf("tracking: is_tracked %s/%s: %w", u, p, err)
	}
	return ok, nil
}

// List returns every peer currently tracked for u.
func (r *Registry) List(u urn.URN) ([]peerid.ID, error) {
	prefix := u.Root().String() + "\x00"
	var peers []peerid.ID
	err := r.ns.Iterate(func(k, _ []byte) bool {
		ks := string(k)
		if len(ks) <= len(prefix) || ks[:len(prefix)] != prefix {
			return true
		}
		id, perr := peerid.Parse(ks[len(prefix):])
		if perr != nil {
			return true
		}
		peers = append(peers, id)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("tracking: list %s: %w", u, err)
	}
	return peers, nil
}
