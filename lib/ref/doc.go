// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references
// for the Matrix entities the E2EE subsystem deals with: users, devices,
// and the (user, device) pairs that key every per-peer table.
//
// All constructors validate their inputs and return errors for
// malformed identifiers. Once constructed, a ref is an immutable value
// type that is safe to copy, compare with ==, and use as a map key.
//
// JSON and CBOR serialization use the canonical string form via
// encoding.TextMarshaler.
package ref
