// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sas

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/bureau-foundation/e2ee/lib/codec"
)

// Commitment returns unpadded-base64(sha256(publicKey || canonical
// JSON of startContent)), the value carried in the accept event's
// "commitment" field.
func Commitment(publicKey string, startContent any) (string, error) {
	canonical, err := codec.CanonicalJSON(startContent)
	if err != nil {
		return "", fmt.Errorf("sas: canonicalizing start content: %w", err)
	}
	hash := sha256.New()
	hash.Write([]byte(publicKey))
	hash.Write(canonical)
	return base64.RawStdEncoding.EncodeToString(hash.Sum(nil)), nil
}

// VerifyCommitment reports whether commitment matches publicKey and
// startContent.
func VerifyCommitment(commitment, publicKey string, startContent any) (bool, error) {
	expected, err := Commitment(publicKey, startContent)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(commitment)) == 1, nil
}
