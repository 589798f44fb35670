// Package urn implements the stable, content-derived identifiers that name
// users and projects in the monorepo. A URN wraps a content identifier
// (github.com/ipfs/go-cid) so the hash, and the hash function used to
// produce it, are self-describing; a protocol tag and an optional
// trailing sub-path round out the canonical string form.
package urn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// Tag identifies which kind of identity document a URN names.
type Tag string

const (
	TagUser    Tag = "user"
	TagProject Tag = "project"
)

// scheme is the fixed prefix of every canonical URN string.
const scheme = "rad"

// rawCodec is the multicodec used for every URN's CID. The document kind
// is carried by Tag, not by the codec, so we never need to register a
// private multicodec number.
const rawCodec = cid.Raw

var (
	// ErrInvalidURN is returned when a string cannot be parsed as a URN.
	ErrInvalidURN = errors.New("urn: invalid syntax")
	// ErrInvalidTag is returned when a URN's protocol tag is not recognized.
	ErrInvalidTag = errors.New("urn: invalid tag")
)

// URN is a parsed, canonical identity identifier.
type URN struct {
	tag     Tag
	id      cid.Cid
	subpath string
}

// New derives a URN of the given tag from the content of doc (typically the
// canonical bytes of a signed identity document).
func New(tag Tag, doc []byte) (URN, error) {
	if err := validateTag(tag); err != nil {
		return URN{}, err
	}
	sum := blake3.Sum256(doc)
	mh, err := multihash.Encode(sum[:], multihash.BLAKE3)
	if err != nil {
		return URN{}, fmt.Errorf("urn: encode multihash: %w", err)
	}
	return URN{tag: tag, id: cid.NewCidV1(rawCodec, mh)}, nil
}

// Parse converts a canonical string form, e.g.
// "rad:project:bafkreigh2akiscaildcqabsdfn/path/to/file", into a URN.
func Parse(s string) (URN, error) {
	parts := strings.SplitN(s, "/", 2)
	head := parts[0]
	var subpath string
	if len(parts) == 2 {
		subpath = parts[1]
	}

	fields := strings.Split(head, ":")
	if len(fields) != 3 || fields[0] != scheme {
		return URN{}, fmt.Errorf("%w: %q", ErrInvalidURN, s)
	}
	tag := Tag(fields[1])
	if err := validateTag(tag); err != nil {
		return URN{}, err
	}
	id, err := cid.Decode(fields[2])
	if err != nil {
		return URN{}, fmt.Errorf("%w: %q: %v", ErrInvalidURN, s, err)
	}
	return URN{tag: tag, id: id, subpath: subpath}, nil
}

func validateTag(tag Tag) error {
	switch tag {
	case TagUser, TagProject:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
}

// Tag returns the URN's protocol tag (user or project).
func (u URN) Tag() Tag { return u.tag }

// Subpath returns the optional trailing path segment (empty if none).
func (u URN) Subpath() string { return u.subpath }

// WithSubpath returns a copy of u scoped to the given sub-path.
func (u URN) WithSubpath(subpath string) URN {
	u.subpath = subpath
	return u
}

// Root returns a copy of u with any sub-path stripped, i.e. the identifier
// usable as a Monorepo namespace key.
func (u URN) Root() URN {
	u.subpath = ""
	return u
}

// IsZero reports whether u is the zero value (unset).
func (u URN) IsZero() bool {
	return !u.id.Defined()
}

// String renders the canonical form.
func (u URN) String() string {
	s := fmt.Sprintf("%s:%s:%s", scheme, u.tag, u.id.String())
	if u.subpath != "" {
		s += "/" + u.subpath
	}
	return s
}

// CID returns the underlying content identifier, for callers (e.g. the
// Gossip Overlay's DHT provider records) that need a raw cid.Cid key.
func (u URN) CID() cid.Cid {
	return u.id
}

// NamespaceKey returns the byte key used to scope this URN's data within
// the Monorepo's content-addressed storage; it deliberately ignores the
// sub-path so all paths within one identity share a namespace.
func (u URN) NamespaceKey() []byte {
	return []byte(scheme + ":" + string(u.tag) + ":" + u.id.String())
}
