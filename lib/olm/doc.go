// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package olm holds this device's long-term keys and its outbound
// pairwise sessions.
//
// An [Account] owns the Curve25519 identity key, the Ed25519 signing
// key, and a pool of one-time keys. It produces the signed device-key
// and one-time-key objects published through /keys/upload.
//
// An [Engine] creates outbound sessions from a peer's identity key and
// a claimed one-time key using the Olm triple Diffie-Hellman:
//
//	S = ECDH(I_local, E_peer) || ECDH(E_base, I_peer) || ECDH(E_base, E_peer)
//	root, chain = HKDF-SHA256(S, info "OLM_ROOT")
//
// where E_base is a fresh base key. Sessions are keyed by peer device
// and at most one is current per peer; creation for one peer is
// serialized so concurrent callers cannot race two sessions into
// existence. Message encryption is not implemented here.
//
// The whole engine state pickles to CBOR, is sealed with age to the
// daemon's pickle key, and is stored under [PickleStoreKey] in a
// keystore.Store.
package olm
