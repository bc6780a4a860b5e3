// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "keys.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqliteStore,
	}
}

func TestStore(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Get(ctx, "olm/account"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing key: err = %v, want ErrNotFound", err)
			}

			value := []byte{0x00, 0x01, 0xfe, 0xff}
			if err := store.Set(ctx, "olm/account", value); err != nil {
				t.Fatalf("Set: %v", err)
			}
			value[0] = 0x42
			got, err := store.Get(ctx, "olm/account")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, []byte{0x00, 0x01, 0xfe, 0xff}) {
				t.Errorf("Get = %x, stored value aliased or corrupted", got)
			}

			if err := store.Set(ctx, "olm/account", []byte("second")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ = store.Get(ctx, "olm/account")
			if string(got) != "second" {
				t.Errorf("after overwrite Get = %q", got)
			}

			if err := store.Set(ctx, "a", []byte("x")); err != nil {
				t.Fatal(err)
			}
			keys, err := store.Keys(ctx)
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if !slices.Equal(keys, []string{"a", "olm/account"}) {
				t.Errorf("Keys = %v", keys)
			}

			if err := store.Delete(ctx, "olm/account"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := store.Delete(ctx, "olm/account"); err != nil {
				t.Errorf("Delete of a missing key: %v", err)
			}
			if _, err := store.Get(ctx, "olm/account"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Delete: err = %v", err)
			}
		})
	}
}

func TestSQLitePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	ctx := context.Background()

	first, err := OpenSQLite(context.Background(), path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := OpenSQLite(context.Background(), path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	got, err := second.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Errorf("after reopen Get = %q, %v", got, err)
	}
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), "", nil); err == nil {
		t.Error("expected error for empty path")
	}
}
