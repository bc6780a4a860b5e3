// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package diagnostics reports on the health of the E2EE subsystem. It
// only reads: the local account's devices and published keys, the
// engine's outbound sessions, the verified-device registry, and the
// verification coordinator's session table.
//
// Identity keys are shown as short BLAKE3 fingerprints so an operator
// can compare them across devices at a glance.
package diagnostics
