// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v as Matrix canonical JSON: object keys sorted
// by code point, no whitespace, UTF-8 output without HTML escaping, and
// integers written exactly as they were given.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding value: %w", err)
	}

	// Re-decode into generic values so struct field order stops
	// mattering: encoding/json writes map keys in sorted order.
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("codec: normalizing value: %w", err)
	}

	var output bytes.Buffer
	encoder := json.NewEncoder(&output)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(generic); err != nil {
		return nil, fmt.Errorf("codec: encoding canonical form: %w", err)
	}
	return bytes.TrimSuffix(output.Bytes(), []byte("\n")), nil
}
