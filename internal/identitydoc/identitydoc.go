// Package identitydoc defines the signed identity documents (users and
// projects) stored in the Monorepo, and their verification.
//
// The source this system is modeled on verifies a user against itself
// using a self-referential resolver during bootstrap. That cycle is
// removed here: Verify takes an explicit trust anchor parameter instead,
// so a caller that wants "this document must be signed by its own
// embedded key" passes that key in directly, and a caller verifying a
// document against some other already-trusted identity passes that
// identity's key. There is no implicit self-lookup.
package identitydoc

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/shurlinet/peerd/internal/urn"
)

var (
	// ErrVerificationFailed is returned when a signature does not verify.
	ErrVerificationFailed = errors.New("identitydoc: verification failed")
	// ErrSchemaMismatch is returned when a document's kind does not match
	// the payload it was decoded into.
	ErrSchemaMismatch = errors.New("identitydoc: schema mismatch")
)

// User is the identity document for a local or remote user.
type User struct {
	Handle         string     `cbor:"handle"`
	SigningKeys    [][]byte   `cbor:"signing_keys"` // marshaled crypto.PubKey
	CertifyingURNs []string   `cbor:"certifying_urns"`
}

// Project is the identity document for a project.
type Project struct {
	Name           string   `cbor:"name"`
	Description    string   `cbor:"description"`
	DefaultBranch  string   `cbor:"default_branch"`
	Maintainers    []string `cbor:"maintainers"` // URNs of maintaining users
	SigningKeys    [][]byte `cbor:"signing_keys"`
}

// Doc is a signed, self-certifying identity document as stored in the
// Monorepo. Payload is the canonical CBOR encoding of a User or Project;
// PubKey is the key that produced Signature over Payload.
type Doc struct {
	Tag       urn.Tag `cbor:"tag"`
	Payload   []byte  `cbor:"payload"`
	PubKey    []byte  `cbor:"pub_key"` // marshaled crypto.PubKey
	Signature []byte  `cbor:"signature"`
}

// SignUser encodes and signs a User document with priv.
func SignUser(priv crypto.PrivKey, user User) (Doc, urn.URN, error) {
	payload, err := cbor.Marshal(user)
	if err != nil {
		return Doc{}, urn.URN{}, fmt.Errorf("identitydoc: marshal user: %w", err)
	}
	return sign(urn.TagUser, priv, payload)
}

// SignProject encodes and signs a Project document with priv.
func SignProject(priv crypto.PrivKey, project Project) (Doc, urn.URN, error) {
	payload, err := cbor.Marshal(project)
	if err != nil {
		return Doc{}, urn.URN{}, fmt.Errorf("identitydoc: marshal project: %w", err)
	}
	return sign(urn.TagProject, priv, payload)
}

func sign(tag urn.Tag, priv crypto.PrivKey, payload []byte) (Doc, urn.URN, error) {
	sig, err := priv.Sign(payload)
	if err != nil {
		return Doc{}, urn.URN{}, fmt.Errorf("identitydoc: sign: %w", err)
	}
	pubBytes, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return Doc{}, urn.URN{}, fmt.Errorf("identitydoc: marshal public key: %w", err)
	}
	doc := Doc{Tag: tag, Payload: payload, PubKey: pubBytes, Signature: sig}

	id, err := urn.New(tag, canonicalBytes(doc))
	if err != nil {
		return Doc{}, urn.URN{}, err
	}
	return doc, id, nil
}

// canonicalBytes is the content hashed into a document's URN: payload plus
// signing key, but not the signature itself, so re-signing the same
// payload with the same key is idempotent and doesn't mint a new URN.
func canonicalBytes(d Doc) []byte {
	return append(append([]byte{}, d.PubKey...), d.Payload...)
}

// Verify checks that doc's signature verifies against its embedded public
// key. If trustAnchor is non-nil, Verify additionally requires that the
// embedded key equal trustAnchor — this is how a caller pins a document to
// a specific already-trusted identity instead of trusting whatever key the
// document happens to carry.
func Verify(doc Doc, trustAnchor crypto.PubKey) error {
	pub, err := crypto.UnmarshalPublicKey(doc.PubKey)
	if err != nil {
		return fmt.Errorf("%w: unmarshal public key: %v", ErrVerificationFailed, err)
	}

	if trustAnchor != nil && !trustAnchor.Equals(pub) {
		return fmt.Errorf("%w: document key does not match trust anchor", ErrVerificationFailed)
	}

	ok, err := pub.Verify(doc.Payload, doc.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !ok {
		return ErrVerificationFailed
	}
	return nil
}

// DecodeUser decodes doc's payload as a User. Returns ErrSchemaMismatch if
// doc.Tag is not TagUser.
func DecodeUser(doc Doc) (User, error) {
	if doc.Tag != urn.TagUser {
		return User{}, fmt.Errorf("%w: tag %q is not user", ErrSchemaMismatch, doc.Tag)
	}
	var u User
	if err := cbor.Unmarshal(doc.Payload, &u); err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return u, nil
}

// DecodeProject decodes doc's payload as a Project. Returns
// ErrSchemaMismatch if doc.Tag is not TagProject.
func DecodeProject(doc Doc) (Project, error) {
	if doc.Tag != urn.TagProject {
		return Project{}, fmt.Errorf("%w: tag %q is not project", ErrSchemaMismatch, doc.Tag)
	}
	var p Project
	if err := cbor.Unmarshal(doc.Payload, &p); err != nil {
		return Project{}, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return p, nil
}

// PublicKey unmarshals doc's embedded public key.
func PublicKey(doc Doc) (crypto.PubKey, error) {
	return crypto.UnmarshalPublicKey(doc.PubKey)
}
