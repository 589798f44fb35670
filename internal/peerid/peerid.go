// Package peerid wraps the libp2p peer ID in the vocabulary of this
// system's data model: a public-key-derived fingerprint that names exactly
// one remote node for the lifetime of its key.
package peerid

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ID is a peer identifier: the public-key-derived fingerprint of a node.
type ID struct {
	p peer.ID
}

// Self is the reserved namespace slot under which a node's own refs live.
const Self = "self"

// FromLibp2p wraps an existing libp2p peer.ID.
func FromLibp2p(p peer.ID) ID { return ID{p: p} }

// FromPublicKey derives the Peer Identifier owned by pub.
func FromPublicKey(pub crypto.PubKey) (ID, error) {
	p, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return ID{}, fmt.Errorf("peerid: derive from public key: %w", err)
	}
	return ID{p: p}, nil
}

// Parse decodes a peer ID's canonical string form.
func Parse(s string) (ID, error) {
	p, err := peer.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("peerid: parse %q: %w", s, err)
	}
	return ID{p: p}, nil
}

// Libp2p returns the underlying libp2p peer.ID for use with host/network APIs.
func (i ID) Libp2p() peer.ID { return i.p }

// String renders the canonical base58 form.
func (i ID) String() string { return i.p.String() }

// IsZero reports whether i is the unset value.
func (i ID) IsZero() bool { return i.p == "" }

// Equal reports whether i and other name the same peer.
func (i ID) Equal(other ID) bool { return i.p == other.p }
