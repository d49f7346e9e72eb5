// Package signer implements off-chain authorization for deployment
// requests: a canonical request encoding, a domain-separated digest, and
// compact ECDSA signatures whose public key is recovered from the
// signature itself.
package signer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/hivetrade/shares-engine/internal/model"
)

// Domain separates signatures by deployment context. Two factories with
// different domains can never accept each other's requests.
type Domain struct {
	Name    string
	Version string
	ChainID uint64
	Factory model.Address
}

// separator hashes the domain into a fixed 32-byte prefix component.
func (d Domain) separator() [32]byte {
	var buf []byte
	buf = appendBytes(buf, []byte(d.Name))
	buf = appendBytes(buf, []byte(d.Version))
	buf = binary.BigEndian.AppendUint64(buf, d.ChainID)
	buf = appendBytes(buf, []byte(d.Factory))
	return sha256.Sum256(buf)
}

// DeploymentRequest authorizes deploying a trading instance for a subject
// on the requester's behalf. Nonce, ValidFrom, and ExpiresAt bound replay.
type DeploymentRequest struct {
	Issuer     model.Address `json:"issuer"`
	Collection model.Address `json:"collection"`
	ItemID     uint64        `json:"item_id"`
	Template   string        `json:"template"`
	Amount     uint64        `json:"amount"` // bootstrap shares bought in the deployment
	Nonce      uint64        `json:"nonce"`
	ValidFrom  int64         `json:"valid_from"` // unix seconds, inclusive
	ExpiresAt  int64         `json:"expires_at"` // unix seconds, exclusive; 0 means no expiry
}

// Subject returns the request's subject reference.
func (r DeploymentRequest) Subject() model.Subject {
	return model.Subject{Collection: r.Collection, ItemID: r.ItemID}
}

// encode produces the canonical byte form: every variable-length field is
// length-prefixed so no two distinct requests share an encoding.
func (r DeploymentRequest) encode() []byte {
	var buf []byte
	buf = appendBytes(buf, []byte(r.Issuer))
	buf = appendBytes(buf, []byte(r.Collection))
	buf = binary.BigEndian.AppendUint64(buf, r.ItemID)
	buf = appendBytes(buf, []byte(r.Template))
	buf = binary.BigEndian.AppendUint64(buf, r.Amount)
	buf = binary.BigEndian.AppendUint64(buf, r.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.ValidFrom))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.ExpiresAt))
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// Digest computes the signing digest for a request under a domain:
//
//	sha256(0x19 0x01 || sha256(domain) || sha256(request))
func Digest(d Domain, r DeploymentRequest) [32]byte {
	sep := d.separator()
	body := sha256.Sum256(r.encode())
	msg := make([]byte, 0, 2+32+32)
	msg = append(msg, 0x19, 0x01)
	msg = append(msg, sep[:]...)
	msg = append(msg, body[:]...)
	return sha256.Sum256(msg)
}

// ErrInvalidSignature is returned when a compact signature fails to parse
// or recover.
var ErrInvalidSignature = errors.New("signer: invalid signature")

// Sign produces a compact recoverable signature over the request digest.
func Sign(key *btcec.PrivateKey, d Domain, r DeploymentRequest) ([]byte, error) {
	digest := Digest(d, r)
	sig, err := ecdsa.SignCompact(key, digest[:], true)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	return sig, nil
}

// RecoverAddress recovers the signer's address from a compact signature
// over the request digest.
func RecoverAddress(d Domain, r DeploymentRequest, sig []byte) (model.Address, error) {
	digest := Digest(d, r)
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return model.ZeroAddress, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return AddressFromPubKey(pub), nil
}

// AddressFromPubKey derives the account address from a public key: the
// trailing 20 bytes of the hash of its compressed encoding, hex with a 0x
// prefix.
func AddressFromPubKey(pub *btcec.PublicKey) model.Address {
	h := sha256.Sum256(pub.SerializeCompressed())
	return model.Address("0x" + hex.EncodeToString(h[12:]))
}

// NewKey generates a fresh signing key (dev/test).
func NewKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}
