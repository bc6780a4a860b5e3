// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// ErrInvalidKey is returned for keys that are not base64 encodings of
// a 32-byte Curve25519 point.
var ErrInvalidKey = errors.New("olm: invalid curve25519 key")

func encodeKey(key []byte) string {
	return base64.RawStdEncoding.EncodeToString(key)
}

func decodeKey(key string) ([]byte, error) {
	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(key, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(decoded) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(decoded))
	}
	return decoded, nil
}

func publicKey(private []byte) ([]byte, error) {
	return curve25519.X25519(private, curve25519.Basepoint)
}
