// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pki

import (
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	pemPublicKey   = "PUBLIC KEY"
	pemECPrivate   = "EC PRIVATE KEY"
	pemPKCS8       = "PRIVATE KEY"
	ecPrivKeyVers1 = 1
)

var (
	oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1      = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.ObjectIdentifier `asn1:"optional"`
}

type subjectPublicKeyInfo struct {
	Algorithm algorithmIdentifier
	PublicKey asn1.BitString
}

// ecPrivateKey is the SEC 1 ECPrivateKey structure.
type ecPrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

type pkcs8 struct {
	Version    int
	Algorithm  algorithmIdentifier
	PrivateKey []byte
}

// ParsePublicKey decodes a secp256k1 public key. It accepts a PEM
// "PUBLIC KEY" block (SubjectPublicKeyInfo) or a raw SEC 1 point, compressed
// or uncompressed.
func ParsePublicKey(b []byte) (*secp256k1.PublicKey, error) {
	if block, _ := pem.Decode(b); block != nil {
		if block.Type != pemPublicKey {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
		}
		var spki subjectPublicKeyInfo
		if rest, err := asn1.Unmarshal(block.Bytes, &spki); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		} else if len(rest) > 0 {
			return nil, fmt.Errorf("%w: trailing data after public key", ErrInvalidKey)
		}
		if err := checkAlgorithm(spki.Algorithm); err != nil {
			return nil, err
		}
		b = spki.PublicKey.RightAlign()
	}
	key, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return key, nil
}

// MarshalPublicKey encodes key as a PEM "PUBLIC KEY" block.
func MarshalPublicKey(key *secp256k1.PublicKey) ([]byte, error) {
	point := key.SerializeUncompressed()
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: algorithmIdentifier{
			Algorithm:  oidPublicKeyECDSA,
			Parameters: oidSecp256k1,
		},
		PublicKey: asn1.BitString{Bytes: point, BitLength: 8 * len(point)},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der}), nil
}

// ParsePrivateKey decodes a PEM "EC PRIVATE KEY" (SEC 1) or "PRIVATE KEY"
// (PKCS #8) block holding a secp256k1 key.
func ParsePrivateKey(b []byte) (*secp256k1.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	der := block.Bytes
	switch block.Type {
	case pemECPrivate:
	case pemPKCS8:
		var p pkcs8
		if _, err := asn1.Unmarshal(der, &p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		if err := checkAlgorithm(p.Algorithm); err != nil {
			return nil, err
		}
		der = p.PrivateKey
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}

	var k ecPrivateKey
	if _, err := asn1.Unmarshal(der, &k); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if k.Version != ecPrivKeyVers1 {
		return nil, fmt.Errorf("%w: unknown EC private key version %d", ErrInvalidKey, k.Version)
	}
	if len(k.NamedCurveOID) > 0 && !k.NamedCurveOID.Equal(oidSecp256k1) {
		return nil, fmt.Errorf("%w: curve %v is not secp256k1", ErrInvalidKey, k.NamedCurveOID)
	}
	if len(k.PrivateKey) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKey, len(k.PrivateKey))
	}
	return secp256k1.PrivKeyFromBytes(k.PrivateKey), nil
}

// MarshalPrivateKey encodes key as a PEM "EC PRIVATE KEY" block.
func MarshalPrivateKey(key *secp256k1.PrivateKey) ([]byte, error) {
	point := key.PubKey().SerializeUncompressed()
	der, err := asn1.Marshal(ecPrivateKey{
		Version:       ecPrivKeyVers1,
		PrivateKey:    key.Serialize(),
		NamedCurveOID: oidSecp256k1,
		PublicKey:     asn1.BitString{Bytes: point, BitLength: 8 * len(point)},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemECPrivate, Bytes: der}), nil
}

func checkAlgorithm(a algorithmIdentifier) error {
	if !a.Algorithm.Equal(oidPublicKeyECDSA) {
		return fmt.Errorf("%w: algorithm %v is not ECDSA", ErrInvalidKey, a.Algorithm)
	}
	if !a.Parameters.Equal(oidSecp256k1) {
		return fmt.Errorf("%w: curve %v is not secp256k1", ErrInvalidKey, a.Parameters)
	}
	return nil
}
