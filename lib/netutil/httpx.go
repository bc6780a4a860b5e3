// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP response reads from the homeserver.
//
// A /sync response carrying a large to-device backlog or a /keys/query
// for a user with hundreds of devices is still only megabytes. The
// bound exists so a misbehaving server cannot exhaust memory; hitting
// it is reported as an error instead of silently truncating JSON.
package netutil

import (
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize is the largest response body ReadResponse accepts.
const MaxResponseSize int64 = 64 << 20

// ErrResponseTooLarge is returned when a body exceeds MaxResponseSize.
var ErrResponseTooLarge = errors.New("netutil: response body exceeds size limit")

// ReadResponse reads an entire response body of at most
// MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return readLimited(body, MaxResponseSize)
}

func readLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("netutil: reading response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}
