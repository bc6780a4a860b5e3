// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config describes a database. Path is required.
type Config struct {
	// Path is the database file; its directory must exist. An
	// in-memory database needs Connections set to 1.
	Path string

	// Connections is the pool size. Zero means two: the writer plus
	// one reader.
	Connections int

	// Migrations are applied in order when the pool opens. The count
	// already applied is kept in PRAGMA user_version, so entries must
	// only ever be appended.
	Migrations []string

	// Logger defaults to discarding.
	Logger *slog.Logger
}

// Pool is a fixed set of SQLite connections sharing one database.
type Pool struct {
	inner  *sqlitex.Pool
	path   string
	logger *slog.Logger
}

var connectionPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA secure_delete=ON",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range connectionPragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Open opens the pool and brings the schema up to date. The caller
// must Close the pool.
func Open(ctx context.Context, config Config) (*Pool, error) {
	if config.Path == "" {
		return nil, errors.New("sqlitepool: Path is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	connections := config.Connections
	if connections <= 0 {
		connections = 2
	}

	inner, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize:    connections,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", config.Path, err)
	}
	pool := &Pool{inner: inner, path: config.Path, logger: logger}

	applied, err := pool.migrate(ctx, config.Migrations)
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("sqlitepool: migrating %s: %w", config.Path, err)
	}
	logger.Info("sqlite database opened",
		"path", config.Path,
		"connections", connections,
		"schema_version", len(config.Migrations),
		"migrations_applied", applied,
	)
	return pool, nil
}

// migrate runs the migrations past user_version, each in its own
// transaction together with the version bump.
func (p *Pool) migrate(ctx context.Context, migrations []string) (int, error) {
	applied := 0
	err := p.Read(ctx, func(conn *sqlite.Conn) error {
		current, err := userVersion(conn)
		if err != nil {
			return err
		}
		if current > len(migrations) {
			return fmt.Errorf("database schema version %d is newer than this binary's %d", current, len(migrations))
		}
		for version := current; version < len(migrations); version++ {
			if err := applyMigration(conn, version+1, migrations[version]); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	return applied, err
}

func applyMigration(conn *sqlite.Conn, version int, script string) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)
	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}
	return sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version=%d", version), nil)
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	return version, err
}

// Read runs fn on a borrowed connection, waiting for one to free up
// until ctx ends.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: %w", err)
	}
	defer p.inner.Put(conn)
	return fn(conn)
}

// Write runs fn inside an IMMEDIATE transaction, committed when fn
// returns nil and rolled back otherwise.
func (p *Pool) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return p.Read(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("sqlitepool: begin: %w", err)
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

// Close waits for borrowed connections and closes them all.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("closing sqlite database", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite database closed", "path", p.path)
	return nil
}
