package identitydoc

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/shurlinet/peerd/internal/urn"
)

func genKey(t *testing.T) crypto.PrivKey {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func TestSignUserRoundTrip(t *testing.T) {
	priv := genKey(t)
	doc, id, err := SignUser(priv, User{Handle: "cloudhead"})
	if err != nil {
		t.Fatalf("SignUser() error: %v", err)
	}
	if id.Tag() != urn.TagUser {
		t.Errorf("URN tag = %q, want user", id.Tag())
	}

	if err := Verify(doc, nil); err != nil {
		t.Errorf("Verify() error: %v", err)
	}
	if err := Verify(doc, priv.GetPublic()); err != nil {
		t.Errorf("Verify() with matching trust anchor error: %v", err)
	}

	decoded, err := DecodeUser(doc)
	if err != nil {
		t.Fatalf("DecodeUser() error: %v", err)
	}
	if decoded.Handle != "cloudhead" {
		t.Errorf("Handle = %q, want cloudhead", decoded.Handle)
	}
}

func TestVerifyRejectsWrongTrustAnchor(t *testing.T) {
	priv := genKey(t)
	other := genKey(t)
	doc, _, err := SignUser(priv, User{Handle: "cloudhead"})
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(doc, other.GetPublic()); err == nil {
		t.Error("Verify() with mismatched trust anchor = nil error, want error")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	priv := genKey(t)
	doc, _, err := SignUser(priv, User{Handle: "cloudhead"})
	if err != nil {
		t.Fatal(err)
	}
	doc.Payload[0] ^= 0xff
	if err := Verify(doc, nil); err == nil {
		t.Error("Verify() on tampered payload = nil error, want error")
	}
}

func TestDecodeProjectRejectsUserDoc(t *testing.T) {
	priv := genKey(t)
	doc, _, err := SignUser(priv, User{Handle: "cloudhead"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeProject(doc); err == nil {
		t.Error("DecodeProject() on a user doc = nil error, want ErrSchemaMismatch")
	}
}

func TestSignIsIdempotentForURN(t *testing.T) {
	priv := genKey(t)
	_, id1, err := SignProject(priv, Project{Name: "shia_le_pathbuf", DefaultBranch: "it"})
	if err != nil {
		t.Fatal(err)
	}
	_, id2, err := SignProject(priv, Project{Name: "shia_le_pathbuf", DefaultBranch: "it"})
	if err != nil {
		t.Fatal(err)
	}
	if id1.String() != id2.String() {
		t.Errorf("signing identical payload with the same key produced different URNs: %q vs %q", id1, id2)
	}
}
