// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto provides the signer port and canonicalization helpers used
// by reputation proofs and by every content hash in the core (shipment
// proof-of-delivery, reputation events_hash). Proof signatures are ECDSA
// NIST P-256 over canonical JSON; content hashes are plain SHA-256.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"

	luxhashing "github.com/luxfi/crypto/hashing"

	"github.com/luxfi/bazaar/pkg/errs"
)

// Signer is a library-neutral signing port. Callers canonicalize the
// message themselves; implementations only sign and verify raw bytes.
type Signer interface {
	Sign(message []byte) (signature []byte, err error)
	Verify(publicKey, message, signature []byte) bool
}

// p256Signer implements Signer over a single ECDSA P-256 key pair, DER
// encoding signatures via crypto/ecdsa's ASN.1 form (the standard library's
// Sign/Verify helpers already produce/consume that encoding).
type p256Signer struct {
	priv *ecdsa.PrivateKey
}

// NewSigner generates a fresh P-256 key pair and returns a Signer that signs
// with it, plus the marshaled public key new callers should persist for
// verification.
func NewSigner() (signer Signer, publicKey []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "generate P-256 key")
	}
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "marshal public key")
	}
	return &p256Signer{priv: priv}, pub, nil
}

// SignerFromKey wraps an existing P-256 private key.
func SignerFromKey(priv *ecdsa.PrivateKey) Signer {
	return &p256Signer{priv: priv}
}

func (s *p256Signer) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "sign message")
	}
	return sig, nil
}

func (s *p256Signer) Verify(publicKey, message, signature []byte) bool {
	return Verify(publicKey, message, signature)
}

// Verify checks a signature against a PKIX-marshaled P-256 public key,
// independent of any particular Signer instance (used by reputation proof
// verification, which has no access to the signer that produced the proof).
func Verify(publicKey, message, signature []byte) bool {
	pub, err := x509.ParsePKIXPublicKey(publicKey)
	if err != nil {
		return false
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return false
	}
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(ecPub, digest[:], signature)
}

// CanonicalJSON serializes v in the stable form used as the message for
// signatures and hashes: keys sorted ascending, UTF-8, no whitespace.
// Struct field order is irrelevant here because round-tripping through
// interface{} forces encoding/json to re-emit every object as a map, which
// it always marshals with lexically sorted keys.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "marshal for canonicalization")
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "unmarshal for canonicalization")
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "marshal canonical form")
	}
	return canonical, nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes, used for
// shipment proof-of-delivery commitments.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EventsHash computes the rolling digest over a reputation event log: a
// SHA-256 over the canonical JSON of the ordered event slice.
func EventsHash(orderedEvents interface{}) (string, error) {
	canonical, err := CanonicalJSON(orderedEvents)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(luxhashing.ComputeHash256(canonical)), nil
}
