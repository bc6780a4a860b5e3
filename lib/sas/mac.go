// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

const macInfoPrefix = "MATRIX_KEY_VERIFICATION_MAC"

// KeyIDsInfo is the key ID used for the MAC over the list of key IDs.
const KeyIDsInfo = "KEY_IDS"

// MACInfo builds the HKDF info string for a MAC sent by sender to
// receiver over the key named keyID (or KeyIDsInfo).
func MACInfo(sender, receiver ref.PeerDevice, transactionID, keyID string) string {
	return macInfoPrefix +
		sender.User.String() + sender.Device.String() +
		receiver.User.String() + receiver.Device.String() +
		transactionID + keyID
}

// MAC derives a 32-byte key from secret with HKDF-SHA256 under info,
// then returns unpadded-base64(HMAC-SHA256(key, message)). This is
// the hkdf-hmac-sha256.v2 method.
func MAC(secret []byte, info, message string) string {
	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(reader, key); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes; 32 never fails.
		panic("sas: hkdf read: " + err.Error())
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	clear(key)
	return base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyMAC recomputes MAC and compares in constant time.
func VerifyMAC(secret []byte, info, message, mac string) bool {
	expected := MAC(secret, info, message)
	return hmac.Equal([]byte(expected), []byte(mac))
}

// KeyIDs returns the sorted, comma-joined key IDs that the "keys" MAC
// covers.
func KeyIDs(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// MACKeyMaterial returns the secret MAC keys are derived from: the
// ECDH shared secret of the two ephemeral keys. When theirKey is not a
// usable Curve25519 point, it falls back to sha256 over the sorted
// public keys and transaction ID. The fallback is deterministic but
// not secret, so a MAC built on it authenticates nothing; callers log
// it.
func MACKeyMaterial(ours *Ephemeral, theirKey, transactionID string) (material []byte, fallback bool) {
	shared, err := ours.SharedSecret(theirKey)
	if err == nil {
		return shared, false
	}
	low, high := ours.PublicKey(), theirKey
	if high < low {
		low, high = high, low
	}
	sum := sha256.Sum256([]byte(low + sasSeparator + high + sasSeparator + transactionID))
	return sum[:], true
}
