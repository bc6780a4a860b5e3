// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap establishes outbound Olm sessions with every device
// of a set of Matrix users.
//
// [Bootstrapper.EnsureSessions] queries each user's device keys, builds
// the list of devices the crypto engine has no session with, claims one
// signed_curve25519 one-time key per device in a single request, and
// asks the engine to create a session from each claimed key. The batch
// is best-effort: a user whose key query fails, a device with no
// claimable key, or an engine rejection is logged and skipped. Once
// every device has a session, further calls cost one key query per
// user and nothing else.
//
// Identity keys returned by key queries are cached per device and
// exposed through [Bootstrapper.IdentityKeys]; the verification
// coordinator checks peer MACs against the cached Ed25519 keys.
package bootstrap
