// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/e2ee/lib/sqlitepool"
)

var testMigrations = []string{
	`CREATE TABLE kv (key TEXT PRIMARY KEY, value BLOB NOT NULL);`,
	`ALTER TABLE kv ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0;`,
}

func queryInt(t *testing.T, pool *sqlitepool.Pool, query string) int {
	t.Helper()
	var result int
	err := pool.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return result
}

func TestConnectionPragmas(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "keys.db"), nil)

	var journalMode string
	err := pool.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				journalMode = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
	if got := queryInt(t, pool, "PRAGMA synchronous"); got != 2 {
		t.Errorf("synchronous = %d, want 2 (FULL)", got)
	}
	if got := queryInt(t, pool, "PRAGMA secure_delete"); got != 1 {
		t.Errorf("secure_delete = %d, want 1", got)
	}
}

func TestMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")

	first, err := sqlitepool.Open(context.Background(), sqlitepool.Config{Path: path, Migrations: testMigrations[:1]})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := queryInt(t, first, "PRAGMA user_version"); got != 1 {
		t.Fatalf("user_version = %d, want 1", got)
	}
	if err := first.Write(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO kv (key, value) VALUES ('olm/account', x'01')", nil)
	}); err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening applies only the new migration and keeps the data.
	second, err := sqlitepool.Open(context.Background(), sqlitepool.Config{Path: path, Migrations: testMigrations})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := queryInt(t, second, "PRAGMA user_version"); got != 2 {
		t.Errorf("user_version = %d, want 2", got)
	}
	if got := queryInt(t, second, "SELECT count(*) FROM kv WHERE updated_at = 0"); got != 1 {
		t.Errorf("rows after migration = %d, want 1", got)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A binary that knows fewer migrations than the file refuses it.
	if pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{Path: path, Migrations: testMigrations[:1]}); err == nil {
		pool.Close()
		t.Fatal("expected error opening a database with a newer schema")
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	broken := []string{testMigrations[0], "CREATE TABLE extra (id INTEGER); NOT VALID SQL;"}
	if pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{Path: path, Migrations: broken}); err == nil {
		pool.Close()
		t.Fatal("expected error from a broken migration")
	}

	pool := openTestPool(t, path, testMigrations[:1])
	if got := queryInt(t, pool, "PRAGMA user_version"); got != 1 {
		t.Errorf("user_version = %d, want 1", got)
	}
	if got := queryInt(t, pool, "SELECT count(*) FROM sqlite_master WHERE name = 'extra'"); got != 0 {
		t.Error("table from the failed migration survived")
	}
}

func TestWriteRollsBackOnError(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "keys.db"), testMigrations)
	failure := errors.New("abort")

	err := pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO kv (key, value) VALUES ('a', x'00')", nil); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Write error = %v, want %v", err, failure)
	}
	if got := queryInt(t, pool, "SELECT count(*) FROM kv"); got != 0 {
		t.Errorf("rows = %d, want 0 after rollback", got)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(context.Background(), sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestReadCancelled(t *testing.T) {
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:        filepath.Join(t.TempDir(), "cancel.db"),
		Connections: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	err = pool.Read(context.Background(), func(*sqlite.Conn) error {
		cancel()
		// The only connection is held here, so a second Read must give
		// up on the cancelled context.
		return pool.Read(ctx, func(*sqlite.Conn) error { return nil })
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func openTestPool(t *testing.T, path string, migrations []string) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:       path,
		Migrations: migrations,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}
