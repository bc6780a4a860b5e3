// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the homeserver client of the end-to-end
// encryption daemon.
//
// [Client] holds the homeserver URL and HTTP transport and produces
// authenticated [DirectSession] values, by password [Client.Login] or
// from a stored token. A DirectSession covers what the daemon needs
// from the client-server API: WhoAmI, long-polling /sync with
// to_device events, device_lists and one-time key counts, batched
// to-device delivery, the device list, and the key endpoints
// /keys/query, /keys/claim and /keys/upload.
//
// The access token is kept in secret.Buffer memory; callers must
// Close the session.
//
// Failed calls return [*MatrixError] when the server answered in the
// standard Matrix shape. [IsTransient] and [RetryAfter] drive the sync
// loop's backoff.
package messaging
