// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database behind the key store.
//
// Every connection runs in WAL mode with synchronous=FULL, so a
// committed pickle survives power loss, and secure_delete=ON, so
// replaced key material does not linger in free pages. Schema changes
// are an append-only list of migrations tracked in PRAGMA user_version.
//
// Queries are plain SQL through sqlitex:
//
//	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{
//	        Args: []any{key},
//	    })
//	})
package sqlitepool
