// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the Matrix scaffolding around the daemon's
// domain logic.
//
//   - Sessions: [LoadSession] reads the session file into a device-bound
//     session, [ValidateSession] checks it with WhoAmI, and [Login]
//     creates the file from a password.
//   - Sync: [InitialSync] takes the snapshot and [RunSyncLoop] long-polls
//     from its token, backing off on failure and stopping when the
//     token is revoked.
//
// The daemon composes these in its own main.
package service
