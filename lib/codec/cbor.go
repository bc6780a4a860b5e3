// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Stored records are small; these bounds reject a corrupted or hostile
// blob before it allocates.
const (
	maxRecordNesting  = 16
	maxRecordElements = 1 << 16
)

var storeEncoding, storeDecoding = newStoreModes()

func newStoreModes() (cbor.EncMode, cbor.DecMode) {
	// Core deterministic encoding so equal records produce equal bytes.
	// IDs in lib/ref are text marshalers; times keep nanoseconds.
	encoding := cbor.CoreDetEncOptions()
	encoding.TextMarshaler = cbor.TextMarshalerTextString
	encoding.Time = cbor.TimeRFC3339Nano
	enc, err := encoding.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building CBOR encoder: %v", err))
	}

	dec, err := cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler:  cbor.TextUnmarshalerTextString,
		MaxNestedLevels:  maxRecordNesting,
		MaxArrayElements: maxRecordElements,
		MaxMapPairs:      maxRecordElements,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building CBOR decoder: %v", err))
	}
	return enc, dec
}

// Marshal encodes v as deterministic CBOR for the key store and
// account pickles.
func Marshal(v any) ([]byte, error) {
	return storeEncoding.Marshal(v)
}

// Unmarshal decodes a stored record into v. Fields it does not know
// are skipped, so a downgraded binary still reads newer records.
func Unmarshal(data []byte, v any) error {
	return storeDecoding.Unmarshal(data, v)
}
