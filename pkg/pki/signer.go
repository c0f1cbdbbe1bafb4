// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pki

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signer produces artifact signatures with a private key.
type Signer struct {
	key *secp256k1.PrivateKey
}

// NewSigner returns a Signer using key.
func NewSigner(key *secp256k1.PrivateKey) *Signer {
	return &Signer{key: key}
}

// GenerateSigner returns a Signer with a freshly generated key.
func GenerateSigner() (*Signer, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewSigner(key), nil
}

// LoadSigner reads a PEM private key from path.
func LoadSigner(path string) (*Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewSigner(key), nil
}

// Sign returns the hex-encoded DER signature of data.
func (s *Signer) Sign(data []byte) string {
	sum := sha256.Sum256(data)
	return s.SignHash(sum[:])
}

// SignHash signs a precomputed SHA-256 digest.
func (s *Signer) SignHash(hash []byte) string {
	return hex.EncodeToString(ecdsa.Sign(s.key, hash).Serialize())
}

// PublicKey returns the public half of the signing key.
func (s *Signer) PublicKey() *secp256k1.PublicKey { return s.key.PubKey() }

// Verifier returns a Verifier trusting the signer's public key.
func (s *Signer) Verifier() *Verifier { return NewVerifier(s.PublicKey()) }

// PrivateKeyPEM returns the key as a PEM "EC PRIVATE KEY" block.
func (s *Signer) PrivateKeyPEM() ([]byte, error) { return MarshalPrivateKey(s.key) }
