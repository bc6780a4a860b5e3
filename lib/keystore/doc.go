// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore persists the daemon's small pieces of durable state:
// the sealed Olm account pickle and the list of verified devices.
//
// [Store] is a byte-oriented key/value interface with two backends.
// [Memory] keeps everything in a map and is used by tests and by
// daemons run without a store path. [SQLite] writes to a single kv
// table through lib/sqlitepool, in WAL mode with secure_delete so
// overwritten pickles do not linger in free pages.
//
// [Verified] layers the verified-device registry on any Store.
package keystore
