// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts data at rest with filippo.io/age. Its main
// user is the Olm engine, which seals its pickle to the pickle key.
//
// A pickle key is an age X25519 identity. [ParseIdentity] turns one
// into an [Identity] that seals to itself, optionally to escrow
// recipients as well, and opens into a [secret.Buffer].
package sealed
