// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

func TestVerified(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	registry := NewVerified(store)
	phone := ref.MustPeerDevice("@alice:test.local", "PHONE")
	laptop := ref.MustPeerDevice("@alice:test.local", "LAPTOP")
	verifiedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if ok, err := registry.IsVerified(ctx, phone); err != nil || ok {
		t.Fatalf("IsVerified on empty registry = %v, %v", ok, err)
	}

	if err := registry.Mark(ctx, VerifiedDevice{Peer: phone, Ed25519: "edPhone", TransactionID: "t1", VerifiedAt: verifiedAt}); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := registry.Mark(ctx, VerifiedDevice{Peer: laptop, Ed25519: "edLaptop", VerifiedAt: verifiedAt}); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := registry.Mark(ctx, VerifiedDevice{Peer: phone, Ed25519: "edPhone2", TransactionID: "t2", VerifiedAt: verifiedAt.Add(time.Hour)}); err != nil {
		t.Fatalf("re-Mark: %v", err)
	}

	// A second registry over the same store sees the persisted list.
	devices, err := NewVerified(store).List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("List returned %d devices, want 2: %+v", len(devices), devices)
	}
	if devices[0].Peer != laptop || devices[1].Peer != phone {
		t.Errorf("List order = %v, %v", devices[0].Peer, devices[1].Peer)
	}
	if devices[1].Ed25519 != "edPhone2" || devices[1].TransactionID != "t2" || !devices[1].VerifiedAt.Equal(verifiedAt.Add(time.Hour)) {
		t.Errorf("phone record = %+v, want the latest mark", devices[1])
	}

	if ok, _ := registry.IsVerified(ctx, phone); !ok {
		t.Error("phone not verified")
	}
	removed, err := registry.Remove(ctx, phone)
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if removed, _ := registry.Remove(ctx, phone); removed {
		t.Error("second Remove reported a record")
	}
	if ok, _ := registry.IsVerified(ctx, phone); ok {
		t.Error("phone still verified after Remove")
	}

	if err := registry.Mark(ctx, VerifiedDevice{}); err == nil {
		t.Error("Mark without a peer succeeded")
	}
}
