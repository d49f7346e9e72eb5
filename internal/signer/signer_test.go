package signer

import (
	"errors"
	"testing"

	"github.com/hivetrade/shares-engine/internal/model"
)

var testDomain = Domain{
	Name:    "shares-factory",
	Version: "1",
	ChainID: 1,
	Factory: "fct-test",
}

func testRequest(issuer model.Address) DeploymentRequest {
	return DeploymentRequest{
		Issuer:     issuer,
		Collection: "col",
		ItemID:     42,
		Template:   "standard",
		Nonce:      0,
		ValidFrom:  1_700_000_000,
		ExpiresAt:  1_800_000_000,
	}
}

func TestSignRecover_RoundTrip(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	addr := AddressFromPubKey(key.PubKey())
	req := testRequest(addr)

	sig, err := Sign(key, testDomain, req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := RecoverAddress(testDomain, req, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != addr {
		t.Errorf("recovered %s, want %s", got, addr)
	}
}

func TestRecover_TamperedRequest(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	addr := AddressFromPubKey(key.PubKey())
	req := testRequest(addr)
	sig, err := Sign(key, testDomain, req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := req
	tampered.Nonce = 1
	got, err := RecoverAddress(testDomain, tampered, sig)
	if err == nil && got == addr {
		t.Error("tampered request must not recover the signer's address")
	}
}

func TestRecover_DifferentDomain(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	addr := AddressFromPubKey(key.PubKey())
	req := testRequest(addr)
	sig, err := Sign(key, testDomain, req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	other := testDomain
	other.Factory = "fct-other"
	got, err := RecoverAddress(other, req, sig)
	if err == nil && got == addr {
		t.Error("signature must not transfer across domains")
	}
}

func TestRecover_Garbage(t *testing.T) {
	req := testRequest("0xabc")
	if _, err := RecoverAddress(testDomain, req, []byte{1, 2, 3}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

// Distinct field boundaries must produce distinct digests: the encoding is
// length-prefixed, so ("ab","c") and ("a","bc") cannot collide.
func TestDigest_FieldBoundaries(t *testing.T) {
	a := DeploymentRequest{Issuer: "ab", Collection: "c"}
	b := DeploymentRequest{Issuer: "a", Collection: "bc"}
	if Digest(testDomain, a) == Digest(testDomain, b) {
		t.Error("shifted field boundaries must not collide")
	}
}
