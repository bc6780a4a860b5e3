// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/e2ee/lib/codec"
	"github.com/bureau-foundation/e2ee/lib/ref"
)

// VerifiedDevicesKey is the Store key holding the verified-device list.
const VerifiedDevicesKey = "verified_devices"

// VerifiedDevice records one successful SAS verification.
type VerifiedDevice struct {
	Peer          ref.PeerDevice `cbor:"peer"`
	Ed25519       string         `cbor:"ed25519,omitempty"`
	TransactionID string         `cbor:"transaction_id,omitempty"`
	VerifiedAt    time.Time      `cbor:"verified_at"`
}

// Verified is the registry of verified devices, stored as one CBOR
// list. Methods serialize their read-modify-write cycles.
type Verified struct {
	store Store
	mu    sync.Mutex
}

// NewVerified returns a registry over store.
func NewVerified(store Store) *Verified {
	return &Verified{store: store}
}

func (v *Verified) load(ctx context.Context) ([]VerifiedDevice, error) {
	data, err := v.store.Get(ctx, VerifiedDevicesKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var devices []VerifiedDevice
	if err := codec.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("keystore: decoding verified devices: %w", err)
	}
	return devices, nil
}

func (v *Verified) save(ctx context.Context, devices []VerifiedDevice) error {
	slices.SortFunc(devices, func(a, b VerifiedDevice) int { return a.Peer.Compare(b.Peer) })
	data, err := codec.Marshal(devices)
	if err != nil {
		return fmt.Errorf("keystore: encoding verified devices: %w", err)
	}
	return v.store.Set(ctx, VerifiedDevicesKey, data)
}

// Mark records device as verified, replacing any earlier record for
// the same peer.
func (v *Verified) Mark(ctx context.Context, device VerifiedDevice) error {
	if device.Peer.IsZero() {
		return errors.New("keystore: verified device needs a peer")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	devices, err := v.load(ctx)
	if err != nil {
		return err
	}
	devices = slices.DeleteFunc(devices, func(existing VerifiedDevice) bool { return existing.Peer == device.Peer })
	devices = append(devices, device)
	return v.save(ctx, devices)
}

// IsVerified reports whether peer has been verified.
func (v *Verified) IsVerified(ctx context.Context, peer ref.PeerDevice) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	devices, err := v.load(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(devices, func(device VerifiedDevice) bool { return device.Peer == peer }), nil
}

// List returns every verified device, sorted by peer.
func (v *Verified) List(ctx context.Context) ([]VerifiedDevice, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.load(ctx)
}

// Remove forgets peer. It reports whether a record existed.
func (v *Verified) Remove(ctx context.Context, peer ref.PeerDevice) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	devices, err := v.load(ctx)
	if err != nil {
		return false, err
	}
	before := len(devices)
	devices = slices.DeleteFunc(devices, func(device VerifiedDevice) bool { return device.Peer == peer })
	if len(devices) == before {
		return false, nil
	}
	return true, v.save(ctx, devices)
}
