// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-e2ee is the Matrix end-to-end encryption daemon for a single
// bot device. It publishes the device's identity and one-time keys,
// keeps outbound Olm sessions with the devices of configured peers,
// and answers SAS device verifications over to-device messages.
//
// Startup loads the YAML config (--config or BUREAU_E2EE_CONFIG), the
// Matrix session file, and the key store. The Olm account is restored
// from its sealed pickle, or created and uploaded on first run. After
// an initial /sync the daemon bootstraps sessions with every peer and
// then follows the incremental sync loop:
//
//   - m.key.verification.* to-device events go to the verification
//     coordinator;
//   - device_lists.changed for a peer re-runs session bootstrap;
//   - device_lists.left drops the cached identity keys of the user;
//   - a low signed_curve25519 count triggers a one-time key upload.
//
// With --interactive the daemon reads operator commands from stdin
// (verify, accept, sas, confirm, complete, cancel, status, list,
// devices, keys, sessions, report, help). Typing quit, SIGINT or
// SIGTERM saves the account pickle and exits.
//
// --generate-pickle-key PATH writes a fresh age identity for
// store.pickle_key_file and exits. --login USER reads a password from
// stdin, logs in to homeserver_url, and writes session_file.
//
// The daemon exits with an error when the homeserver revokes its
// access token.
package main
