// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/crypto/curve25519"
)

// Curve25519Keypair returns a fresh private scalar and its public key
// in the unpadded base64 form Matrix uses for identity and one-time
// keys.
func Curve25519Keypair(t Fataler) (private []byte, public string) {
	t.Helper()
	private = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		t.Fatalf("generating curve25519 key: %v", err)
	}
	point, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("deriving curve25519 public key: %v", err)
	}
	return private, base64.RawStdEncoding.EncodeToString(point)
}
