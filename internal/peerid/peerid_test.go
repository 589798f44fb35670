package peerid

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
)

func TestFromPublicKeyAndParseRoundTrip(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatal(err)
	}
	_ = priv

	id, err := FromPublicKey(pub)
	if err != nil {
		t.Fatalf("FromPublicKey() error: %v", err)
	}
	if id.IsZero() {
		t.Fatal("FromPublicKey() produced zero ID")
	}

	reparsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", id.String(), err)
	}
	if !reparsed.Equal(id) {
		t.Errorf("Parse(id.String()) = %v, want %v", reparsed, id)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-peer-id"); err == nil {
		t.Error("Parse(garbage) = nil error, want error")
	}
}

func TestEqual(t *testing.T) {
	var a, b ID
	if !a.Equal(b) {
		t.Error("two zero IDs should be equal")
	}

	_, pub, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatal(err)
	}
	c, err := FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if a.Equal(c) {
		t.Error("zero ID should not equal a derived ID")
	}
}
