// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pki signs and verifies plugin artifacts with ECDSA over secp256k1.
//
// Signatures cover the SHA-256 digest of the artifact bytes and travel as
// hex-encoded ASN.1 DER. Because artifacts are addressed by that same digest,
// callers that already hashed a blob can verify without a second pass.
package pki

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/containerd/errdefs"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

var (
	// ErrInvalidSignature is returned when a signature is malformed or does
	// not match the data and key.
	ErrInvalidSignature = fmt.Errorf("invalid signature: %w", errdefs.ErrInvalidArgument)
	// ErrMissingSignature is returned by a Verifier when no signature was
	// supplied. It wraps ErrInvalidSignature.
	ErrMissingSignature = fmt.Errorf("signature required: %w", ErrInvalidSignature)
	// ErrInvalidKey is returned when key material cannot be decoded.
	ErrInvalidKey = fmt.Errorf("invalid key: %w", errdefs.ErrInvalidArgument)
)

// Verifier checks signatures against a single trusted public key.
type Verifier struct {
	key *secp256k1.PublicKey
}

// NewVerifier returns a Verifier trusting key.
func NewVerifier(key *secp256k1.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// LoadVerifier reads a public key from path (see ParsePublicKey) and returns
// a Verifier trusting it.
func LoadVerifier(path string) (*Verifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := ParsePublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewVerifier(key), nil
}

// PublicKey returns the trusted key.
func (v *Verifier) PublicKey() *secp256k1.PublicKey { return v.key }

// Verify reports whether sigHex is a valid signature of data.
func (v *Verifier) Verify(data []byte, sigHex string) error {
	sum := sha256.Sum256(data)
	return v.VerifyHash(sum[:], sigHex)
}

// VerifyHash is like Verify but takes the SHA-256 digest of the data.
func (v *Verifier) VerifyHash(hash []byte, sigHex string) error {
	if sigHex == "" {
		return ErrMissingSignature
	}
	sig, err := ParseSignature(sigHex)
	if err != nil {
		return err
	}
	if !sig.Verify(hash, v.key) {
		return fmt.Errorf("%w: verification failed", ErrInvalidSignature)
	}
	return nil
}

// ParseSignature decodes a hex-encoded DER signature. Upper and lower case
// hex are accepted. Signatures with a high S value are rejected.
func ParseSignature(sigHex string) (*ecdsa.Signature, error) {
	if len(sigHex) < 2 || len(sigHex)%2 != 0 {
		return nil, fmt.Errorf("%w: hex length %d", ErrInvalidSignature, len(sigHex))
	}
	der, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if s := sig.S(); s.IsOverHalfOrder() {
		return nil, fmt.Errorf("%w: non-canonical S value", ErrInvalidSignature)
	}
	return sig, nil
}
