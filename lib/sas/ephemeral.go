// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sas

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// ErrInvalidKey is returned for public keys that are not unpadded
// base64 encodings of a usable 32-byte Curve25519 point.
var ErrInvalidKey = errors.New("sas: invalid public key")

// Ephemeral is a single-use Curve25519 keypair for one verification.
type Ephemeral struct {
	private [curve25519.ScalarSize]byte
	public  [curve25519.PointSize]byte
}

// GenerateEphemeral creates a keypair from random, or crypto/rand when
// random is nil.
func GenerateEphemeral(random io.Reader) (*Ephemeral, error) {
	if random == nil {
		random = rand.Reader
	}
	ephemeral := &Ephemeral{}
	if _, err := io.ReadFull(random, ephemeral.private[:]); err != nil {
		return nil, fmt.Errorf("sas: generating ephemeral key: %w", err)
	}
	public, err := curve25519.X25519(ephemeral.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("sas: deriving ephemeral public key: %w", err)
	}
	copy(ephemeral.public[:], public)
	return ephemeral, nil
}

// PublicKey returns the unpadded base64 public key sent in
// m.key.verification.key.
func (e *Ephemeral) PublicKey() string {
	return base64.RawStdEncoding.EncodeToString(e.public[:])
}

// SharedSecret performs ECDH with theirKey.
func (e *Ephemeral) SharedSecret(theirKey string) ([]byte, error) {
	point, err := DecodeKey(theirKey)
	if err != nil {
		return nil, err
	}
	if len(point) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(point))
	}
	shared, err := curve25519.X25519(e.private[:], point)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return shared, nil
}

// Zero overwrites the private key.
func (e *Ephemeral) Zero() {
	clear(e.private[:])
}

// DecodeKey decodes a Matrix base64 key, accepting both the unpadded
// form Matrix mandates and padded input from lenient clients.
func DecodeKey(key string) ([]byte, error) {
	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(key, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return decoded, nil
}
