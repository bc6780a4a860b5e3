// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sas implements the cryptographic pieces of Matrix
// short-authentication-string verification (m.sas.v1):
//
//   - [Ephemeral]: the per-verification Curve25519 keypair exchanged in
//     m.key.verification.key events, and the ECDH shared secret.
//   - [DeriveCodes]: the human-comparable emoji and decimal codes.
//     The two public keys are ordered lexicographically before
//     hashing, so both parties compute the same codes regardless of
//     which side is "ours".
//   - [Commitment]: the hash the accepting party publishes in
//     m.key.verification.accept, binding its ephemeral key before it
//     sees the other side's.
//   - [MAC] and [MACInfo]: the HKDF+HMAC-SHA256 MACs over device keys
//     carried by m.key.verification.mac.
//
// Everything here is pure; nothing touches the network or holds state
// beyond the ephemeral private key.
package sas
