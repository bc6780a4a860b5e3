// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

// Algorithm and key-type identifiers used on the key endpoints.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"

	KeyTypeCurve25519       = "curve25519"
	KeyTypeEd25519          = "ed25519"
	KeyTypeSignedCurve25519 = "signed_curve25519"
)

// UserIdentifier identifies the user in a login request.
type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// LoginRequest is the body of POST /login for password login.
type LoginRequest struct {
	Type                     string          `json:"type"`
	Identifier               *UserIdentifier `json:"identifier,omitempty"`
	Password                 string          `json:"password"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// SyncOptions holds parameters for a sync request.
type SyncOptions struct {
	// Since is the next_batch token from the previous sync. Empty
	// requests a full snapshot.
	Since string
	// Timeout is the long-poll timeout in milliseconds. Only sent
	// when SetTimeout is true, so that zero can be requested.
	Timeout    int
	SetTimeout bool
	// Filter is an inline JSON filter or a filter ID.
	Filter string
}

// SyncResponse holds the parts of a /sync response the daemon reads.
// Room timelines are not decoded.
type SyncResponse struct {
	NextBatch              string         `json:"next_batch"`
	ToDevice               ToDeviceEvents `json:"to_device"`
	DeviceLists            DeviceLists    `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count,omitempty"`
}

// ToDeviceEvents is the to_device section of a sync response.
type ToDeviceEvents struct {
	Events []ToDeviceEvent `json:"events"`
}

// ToDeviceEvent is one event delivered directly to this device.
// Content is left raw so each consumer decodes its own type.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// DeviceLists reports users whose device lists changed since the last
// sync, and users with whom we no longer share an encrypted room.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// SendToDeviceRequest is the body of PUT /sendToDevice.
type SendToDeviceRequest struct {
	Messages map[string]map[string]any `json:"messages"`
}

// Device is one entry of GET /devices.
type Device struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
	LastSeenIP  string `json:"last_seen_ip,omitempty"`
	LastSeenTS  int64  `json:"last_seen_ts,omitempty"`
}

// DevicesResponse is returned by GET /devices.
type DevicesResponse struct {
	Devices []Device `json:"devices"`
}

// KeysQueryRequest is the body of POST /keys/query. DeviceKeys maps
// user ID to the device IDs of interest; an empty list means all.
type KeysQueryRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	Timeout    int                 `json:"timeout,omitempty"`
}

// KeysQueryResponse is returned by QueryKeys. DeviceKeys maps user ID
// to device ID to the device's published keys.
type KeysQueryResponse struct {
	Failures   map[string]json.RawMessage       `json:"failures,omitempty"`
	DeviceKeys map[string]map[string]DeviceKeys `json:"device_keys"`
}

// DeviceKeys is a device's signed identity key publication.
type DeviceKeys struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned   map[string]any               `json:"unsigned,omitempty"`
}

// Curve25519 returns the device's identity key, or "" if absent.
func (d DeviceKeys) Curve25519() string {
	return d.Keys[KeyTypeCurve25519+":"+d.DeviceID]
}

// Ed25519 returns the device's fingerprint key, or "" if absent.
func (d DeviceKeys) Ed25519() string {
	return d.Keys[KeyTypeEd25519+":"+d.DeviceID]
}

// KeysClaimRequest is the body of POST /keys/claim. OneTimeKeys maps
// user ID to device ID to key algorithm.
type KeysClaimRequest struct {
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	Timeout     int                          `json:"timeout,omitempty"`
}

// KeysClaimResponse is returned by ClaimKeys. OneTimeKeys maps user ID
// to device ID to "algorithm:key_id" to the key. Keys are left raw
// because servers return both bare strings and signed objects; decode
// them with ParseOneTimeKey.
type KeysClaimResponse struct {
	Failures    map[string]json.RawMessage                       `json:"failures,omitempty"`
	OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
}

// SignedKey is a one-time or fallback key with its signatures.
type SignedKey struct {
	Key        string                       `json:"key"`
	Fallback   bool                         `json:"fallback,omitempty"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// ParseOneTimeKey decodes a claimed key that is either a bare
// base64 string or a SignedKey object.
func ParseOneTimeKey(raw json.RawMessage) (SignedKey, error) {
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		if bare == "" {
			return SignedKey{}, fmt.Errorf("messaging: empty one-time key")
		}
		return SignedKey{Key: bare}, nil
	}
	var signed SignedKey
	if err := json.Unmarshal(raw, &signed); err != nil {
		return SignedKey{}, fmt.Errorf("messaging: parsing one-time key: %w", err)
	}
	if signed.Key == "" {
		return SignedKey{}, fmt.Errorf("messaging: one-time key object has no key")
	}
	return signed, nil
}

// KeysUploadRequest is the body of POST /keys/upload. Either field may
// be omitted. OneTimeKeys maps "algorithm:key_id" to the key.
type KeysUploadRequest struct {
	DeviceKeys  *DeviceKeys          `json:"device_keys,omitempty"`
	OneTimeKeys map[string]SignedKey `json:"one_time_keys,omitempty"`
}

// KeysUploadResponse is returned by UploadKeys.
type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}
