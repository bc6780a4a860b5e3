// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] bound channel
// waits with a real timer so a broken test fails instead of hanging.
// They are the only wall-clock waits in the test suite; everything
// else runs on lib/clock's fake clock. [Curve25519Keypair] produces
// keys in the form the homeserver publishes them.
//
// Helpers call t.Fatalf on failure.
package testutil
