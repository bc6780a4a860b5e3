// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the two encodings whose exact bytes matter.
//
//   - CBOR with Core Deterministic Encoding (RFC 8949 §4.2) for records
//     written to the key store: the pickled Olm account and the
//     verified-device registry. Same logical data always produces the
//     same bytes.
//   - Canonical JSON (sorted keys, no insignificant whitespace, no HTML
//     escaping) for values that are hashed or signed: the SAS
//     commitment over a start event and device key signatures.
//
// Struct tags follow one rule: `cbor` tags mark types that are only
// ever stored as CBOR; `json` tags mark types that also travel as JSON
// (fxamacker/cbor reads `json` tags when `cbor` tags are absent). Never
// put both on one field.
package codec
