// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// PeerDevice identifies one device of one Matrix user. Equality is
// structural, so PeerDevice is used directly as the key of identity
// key caches, Olm session tables, and the verified-device registry.
type PeerDevice struct {
	User   UserID   `json:"user_id"`
	Device DeviceID `json:"device_id"`
}

// NewPeerDevice parses and pairs a raw user ID and device ID.
func NewPeerDevice(user, device string) (PeerDevice, error) {
	userID, err := ParseUserID(user)
	if err != nil {
		return PeerDevice{}, err
	}
	deviceID, err := ParseDeviceID(device)
	if err != nil {
		return PeerDevice{}, fmt.Errorf("device of %s: %w", user, err)
	}
	return PeerDevice{User: userID, Device: deviceID}, nil
}

// MustPeerDevice is NewPeerDevice for tests. Panics on invalid input.
func MustPeerDevice(user, device string) PeerDevice {
	peer, err := NewPeerDevice(user, device)
	if err != nil {
		panic(err)
	}
	return peer
}

// String returns "user/device", the form used in log attributes.
func (p PeerDevice) String() string {
	return p.User.String() + "/" + p.Device.String()
}

// IsZero reports whether either half of the pair is unset.
func (p PeerDevice) IsZero() bool {
	return p.User.IsZero() || p.Device.IsZero()
}

// Compare orders peers by user ID, then device ID, using byte-wise
// string comparison. Both parties of a verification compute the same
// order, which makes it usable for tie-breaking.
func (p PeerDevice) Compare(other PeerDevice) int {
	if c := strings.Compare(p.User.id, other.User.id); c != 0 {
		return c
	}
	return strings.Compare(p.Device.id, other.Device.id)
}
