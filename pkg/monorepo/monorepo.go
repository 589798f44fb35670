// Package monorepo implements the monorepo store: the single
// source of truth for locally held identities, projects, and their
// per-peer ref sets, backed by a content-addressed object database with
// namespaces keyed by identity URN.
//
// Storage is built on internal/store's embedded goleveldb handle;
// object identifiers are blake3 digests, matching internal/urn's
// content-derivation scheme.
package monorepo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/shurlinet/peerd/internal/identitydoc"
	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/store"
	"github.com/shurlinet/peerd/internal/urn"
	"github.com/shurlinet/peerd/pkg/tracking"
)

// Failure modes.
var (
	ErrAlreadyExists      = errors.New("monorepo: already exists")
	ErrNotFound           = errors.New("monorepo: not found")
	ErrVerificationFailed = identitydoc.ErrVerificationFailed
	ErrSchemaMismatch     = identitydoc.ErrSchemaMismatch
)

const (
	nsIdentities = "monorepo/identities"
	nsRefs       = "monorepo/refs"
	nsObjects    = "monorepo/objects"
	nsSelf       = "monorepo/self"

	selfOwnerKey = "owner"
)

// RefSet is the signed collection of branch/tag tips a peer advertises
// for a URN.
type RefSet struct {
	Refs      map[string]string `cbor:"refs"` // ref name -> object id (hex)
	PubKey    []byte            `cbor:"pub_key"`
	Signature []byte            `cbor:"signature"`
}

// Filter selects which kind of identity List streams.
type Filter int

const (
	FilterAny Filter = iota
	FilterUser
	FilterProject
	FilterOwnedProjects
)

// Store is the Monorepo Store.
type Store struct {
	db       *store.Store
	objects  *store.Namespace
	idents   *store.Namespace
	refs     *store.Namespace
	selfNs   *store.Namespace
	tracking *tracking.Registry

	mu sync.Mutex // serializes writers; goleveldb gives per-key atomicity and batches cover multi-step writes
}

// Open returns a Store backed by db.
func Open(db *store.Store) *Store {
	return &Store{
		db:       db,
		objects:  db.Namespace(nsObjects),
		idents:   db.Namespace(nsIdentities),
		refs:     db.Namespace(nsRefs),
		selfNs:   db.Namespace(nsSelf),
		tracking: tracking.Open(db),
	}
}

func refKey(u urn.URN, peer string) []byte {
	return []byte(u.Root().String() + "\x00" + peer)
}

func objectKey(u urn.URN, oid string) []byte {
	return []byte(u.Root().String() + "\x00" + oid)
}

// Has reports whether the identity urn is present locally.
func (s *Store) Has(u urn.URN) (bool, error) {
	ok, err := s.idents.Has([]byte(u.Root().String()))
	if err != nil {
		return false, fmt.Errorf("monorepo: has %s: %w", u, err)
	}
	return ok, nil
}

// HasObject reports whether object oid is stored under urn's namespace.
func (s *Store) HasObject(u urn.URN, oid string) (bool, error) {
	ok, err := s.objects.Has(objectKey(u, oid))
	if err != nil {
		return false, fmt.Errorf("monorepo: has_object %s/%s: %w", u, oid, err)
	}
	return ok, nil
}

// Objects are stored zstd-compressed; the object id is the digest of
// the uncompressed content, so compression stays invisible to callers.
var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
)

// PutObject stores content under urn's namespace and returns its object
// id (a hex blake3 digest of the uncompressed content).
func (s *Store) PutObject(u urn.URN, content []byte) (string, error) {
	sum := blake3.Sum256(content)
	oid := fmt.Sprintf("%x", sum)
	packed := zstdEnc.EncodeAll(content, nil)
	if err := s.objects.Put(objectKey(u, oid), packed); err != nil {
		return "", fmt.Errorf("monorepo: put_object %s: %w", u, err)
	}
	return oid, nil
}

// GetObject reads a previously stored object.
func (s *Store) GetObject(u urn.URN, oid string) ([]byte, error) {
	v, err := s.objects.Get(objectKey(u, oid))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("monorepo: get_object %s/%s: %w", u, oid, err)
	}
	content, err := zstdDec.DecodeAll(v, nil)
	if err != nil {
		return nil, fmt.Errorf("monorepo: get_object %s/%s: decompress: %w", u, oid, err)
	}
	return content, nil
}

// CreateIdentity stores a brand-new signed identity document. Fails with
// ErrAlreadyExists if urn is already present.
func (s *Store) CreateIdentity(u urn.URN, doc identitydoc.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.idents.Has([]byte(u.Root().String()))
	if err != nil {
		return fmt.Errorf("monorepo: create_identity %s: %w", u, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, u)
	}
	raw, err := cbor.Marshal(doc)
	if err != nil {
		return fmt.Errorf("monorepo: marshal identity %s: %w", u, err)
	}
	if err := s.idents.Put([]byte(u.Root().String()), raw); err != nil {
		return fmt.Errorf("monorepo: create_identity %s: %w", u, err)
	}
	return nil
}

// ReadIdentity returns the locally stored document for urn.
func (s *Store) ReadIdentity(u urn.URN) (identitydoc.Doc, error) {
	raw, err := s.idents.Get([]byte(u.Root().String()))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return identitydoc.Doc{}, ErrNotFound
		}
		return identitydoc.Doc{}, fmt.Errorf("monorepo: read_identity %s: %w", u, err)
	}
	var doc identitydoc.Doc
	if err := cbor.Unmarshal(raw, &doc); err != nil {
		return identitydoc.Doc{}, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return doc, nil
}

// ReadIdentityOfPeer is ReadIdentity scoped by peer, for callers that want
// a remote's view rather than the locally adopted document. In this
// implementation both resolve to the same document store since the
// identity document itself (unlike refs) is not namespaced per-peer; the
// parameter reserves room for per-peer document divergence (not
// currently produced by Replicate).
func (s *Store) ReadIdentityOfPeer(u urn.URN, _ peerid.ID) (identitydoc.Doc, error) {
	return s.ReadIdentity(u)
}

// Entry is one streamed result of List.
type Entry struct {
	URN urn.URN
	Doc identitydoc.Doc
}

// List streams locally stored identities matching filter. When filter is
// FilterOwnedProjects, entries whose maintainer set does not include the
// default owner are skipped.
func (s *Store) List(filter Filter) ([]Entry, error) {
	var owner urn.URN
	if filter == FilterOwnedProjects {
		o, err := s.GetDefaultOwner()
		if err != nil {
			return nil, err
		}
		if o == nil {
			return nil, nil
		}
		owner = o.URN
	}

	var entries []Entry
	err := s.idents.Iterate(func(key, value []byte) bool {
		u, perr := urn.Parse(string(key))
		if perr != nil {
			return true
		}
		var doc identitydoc.Doc
		if err := cbor.Unmarshal(value, &doc); err != nil {
			return true
		}

		switch filter {
		case FilterUser:
			if doc.Tag != urn.TagUser {
				return true
			}
		case FilterProject:
			if doc.Tag != urn.TagProject {
				return true
			}
		case FilterOwnedProjects:
			if doc.Tag != urn.TagProject {
				return true
			}
			proj, derr := identitydoc.DecodeProject(doc)
			if derr != nil {
				return true
			}
			owned := false
			for _, m := range proj.Maintainers {
				if m == owner.String() {
					owned = true
					break
				}
			}
			if !owned {
				return true
			}
		}

		entries = append(entries, Entry{URN: u, Doc: doc})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("monorepo: list: %w", err)
	}
	return entries, nil
}

// DefaultOwnerRecord pairs the "self" URN with its document.
type DefaultOwnerRecord struct {
	URN urn.URN
	Doc identitydoc.Doc
}

// SetDefaultOwner records user as the node's "self" pointer, overwriting
// any previous owner. This is the only supported identity rotation.
func (s *Store) SetDefaultOwner(u urn.URN, doc identitydoc.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selfNs.Put([]byte(selfOwnerKey), []byte(u.Root().String())); err != nil {
		return fmt.Errorf("monorepo: set_default_owner: %w", err)
	}

	exists, err := s.idents.Has([]byte(u.Root().String()))
	if err != nil {
		return fmt.Errorf("monorepo: set_default_owner: %w", err)
	}
	if !exists {
		raw, merr := cbor.Marshal(doc)
		if merr != nil {
			return fmt.Errorf("monorepo: set_default_owner: marshal: %w", merr)
		}
		if err := s.idents.Put([]byte(u.Root().String()), raw); err != nil {
			return fmt.Errorf("monorepo: set_default_owner: %w", err)
		}
	}
	return nil
}

// GetDefaultOwner returns the node's "self" user, or nil if none has been
// set yet.
func (s *Store) GetDefaultOwner() (*DefaultOwnerRecord, error) {
	raw, err := s.selfNs.Get([]byte(selfOwnerKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("monorepo: get_default_owner: %w", err)
	}
	u, err := urn.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("monorepo: get_default_owner: %w", err)
	}
	doc, err := s.ReadIdentity(u)
	if err != nil {
		return nil, err
	}
	return &DefaultOwnerRecord{URN: u, Doc: doc}, nil
}

// SignedRefs returns the signed ref list for urn under peer's namespace.
// Pass peerid.ID{} (zero value) for the reserved "self" slot.
func (s *Store) SignedRefs(u urn.URN, peer peerid.ID) (RefSet, error) {
	raw, err := s.refs.Get(refKey(u, peerSlot(peer)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RefSet{}, ErrNotFound
		}
		return RefSet{}, fmt.Errorf("monorepo: signed_refs %s/%s: %w", u, peer, err)
	}
	var rs RefSet
	if err := cbor.Unmarshal(raw, &rs); err != nil {
		return RefSet{}, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return rs, nil
}

// PutSignedRefs stores refs under peer's namespace for urn. Pass
// peerid.ID{} for the "self" slot (the local node's own advertised refs,
// written by the Announcement Engine's owning component).
func (s *Store) PutSignedRefs(u urn.URN, peer peerid.ID, refs RefSet) error {
	raw, err := cbor.Marshal(refs)
	if err != nil {
		return fmt.Errorf("monorepo: put_signed_refs %s/%s: %w", u, peer, err)
	}
	if err := s.refs.Put(refKey(u, peerSlot(peer)), raw); err != nil {
		return fmt.Errorf("monorepo: put_signed_refs %s/%s: %w", u, peer, err)
	}
	return nil
}

func peerSlot(peer peerid.ID) string {
	if peer.IsZero() {
		return peerid.Self
	}
	return peer.String()
}

// CloneIdentity atomically applies the result of a successful
// Replication Engine fetch: it marks (urn, remotePeer) tracked, stores
// the fetched refs under the remote's namespace, and — if the local node
// does not yet hold doc at all, adopts doc itself. On any
// error, storage is left as it was before the call: the ref write and
// identity adoption are applied only after every validation step
// succeeds.
func (s *Store) CloneIdentity(u urn.URN, remotePeer peerid.ID, doc identitydoc.Doc, refs RefSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	had, err := s.idents.Has([]byte(u.Root().String()))
	if err != nil {
		return fmt.Errorf("monorepo: clone_identity %s: %w", u, err)
	}

	rawRefs, err := cbor.Marshal(refs)
	if err != nil {
		return fmt.Errorf("monorepo: clone_identity %s: marshal refs: %w", u, err)
	}
	var rawDoc []byte
	if !had {
		rawDoc, err = cbor.Marshal(doc)
		if err != nil {
			return fmt.Errorf("monorepo: clone_identity %s: marshal doc: %w", u, err)
		}
	}

	// Refs, identity adoption, and the tracking mark commit as one
	// batch: a crash or write failure applies either all of them or
	// none.
	batch := s.refs.NewBatch()
	batch.Put(refKey(u, remotePeer.String()), rawRefs)
	if !had {
		batch.PutIn(s.idents, []byte(u.Root().String()), rawDoc)
	}
	s.tracking.TrackIn(batch, u, remotePeer)
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("monorepo: clone_identity %s: %w", u, err)
	}
	return nil
}

// Fetch updates an already-present identity with new refs from peer,
// without touching tracking state (use Track/CloneIdentity for that).
func (s *Store) Fetch(u urn.URN, peer peerid.ID, refs RefSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.idents.Has([]byte(u.Root().String()))
	if err != nil {
		return fmt.Errorf("monorepo: fetch %s: %w", u, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	return s.PutSignedRefs(u, peer, refs)
}

// Track records (urn, peer) in the Tracking Registry.
func (s *Store) Track(u urn.URN, peer peerid.ID) error { return s.tracking.Track(u, peer) }

// Tracked lists peers tracked for urn.
func (s *Store) Tracked(u urn.URN) ([]peerid.ID, error) { return s.tracking.List(u) }

// Browser is a read-only snapshot scoped to one identity's namespace,
// handed to callers by WithBrowser.
type Browser struct {
	store *Store
	urn   urn.URN
}

// GetObject reads an object from this browser's namespace.
func (b Browser) GetObject(oid string) ([]byte, error) { return b.store.GetObject(b.urn, oid) }

// SignedRefs reads the ref set for peer within this browser's namespace.
func (b Browser) SignedRefs(peer peerid.ID) (RefSet, error) { return b.store.SignedRefs(b.urn, peer) }

// WithBrowser hands fn a read-only Browser scoped to urn's namespace.
func (s *Store) WithBrowser(u urn.URN, fn func(Browser) error) error {
	return fn(Browser{store: s, urn: u})
}
