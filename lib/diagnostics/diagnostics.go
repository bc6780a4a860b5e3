// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package diagnostics

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/e2ee/lib/keystore"
	"github.com/bureau-foundation/e2ee/lib/olm"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/verification"
	"github.com/bureau-foundation/e2ee/lib/version"
	"github.com/bureau-foundation/e2ee/messaging"
)

// Homeserver lists the local account's devices and their published
// keys. *messaging.DirectSession implements it.
type Homeserver interface {
	Devices(ctx context.Context) ([]messaging.Device, error)
	QueryKeys(ctx context.Context, request messaging.KeysQueryRequest) (*messaging.KeysQueryResponse, error)
}

// SessionSource is the crypto engine's outbound session table.
type SessionSource interface {
	HasSession(peer ref.PeerDevice) bool
	Sessions() []olm.Session
}

// VerifiedSource is the verified-device registry.
type VerifiedSource interface {
	List(ctx context.Context) ([]keystore.VerifiedDevice, error)
}

// VerificationSource is the verification coordinator.
type VerificationSource interface {
	ListVerifications() []verification.Session
}

// Sources are the read-only collaborators a report draws on. A nil
// source leaves its section out of the report.
type Sources struct {
	LocalUser   ref.UserID
	LocalDevice ref.DeviceID

	Homeserver    Homeserver
	Sessions      SessionSource
	Verified      VerifiedSource
	Verifications VerificationSource
}

// Report is a snapshot of the subsystem's E2EE health. Each section is
// nil when its source was not supplied; a section whose source failed
// carries the error text and no data.
type Report struct {
	LocalUser   string        `json:"local_user"`
	LocalDevice string        `json:"local_device"`
	Build       version.Build `json:"build"`
	BinaryHash  string        `json:"binary_hash,omitempty"`

	Devices       *DeviceSection       `json:"devices,omitempty"`
	Sessions      *SessionSection      `json:"sessions,omitempty"`
	Verified      *VerifiedSection     `json:"verified,omitempty"`
	Verifications *VerificationSection `json:"verifications,omitempty"`
}

// DeviceSection covers the local account's own devices.
type DeviceSection struct {
	Error       string       `json:"error,omitempty"`
	WithKeys    []DeviceInfo `json:"with_keys,omitempty"`
	WithoutKeys []DeviceInfo `json:"without_keys,omitempty"`
}

// Total is the number of devices listed.
func (s *DeviceSection) Total() int {
	return len(s.WithKeys) + len(s.WithoutKeys)
}

// DeviceInfo is one device of the local account.
type DeviceInfo struct {
	DeviceID    string    `json:"device_id"`
	DisplayName string    `json:"display_name,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
	Current     bool      `json:"current,omitempty"`
	Curve25519  string    `json:"curve25519,omitempty"`
	Ed25519     string    `json:"ed25519,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// SessionSection lists outbound Olm sessions.
type SessionSection struct {
	Sessions []SessionInfo `json:"sessions,omitempty"`
}

// SessionInfo is one outbound session without key material.
type SessionInfo struct {
	Peer        ref.PeerDevice `json:"peer"`
	SessionID   string         `json:"session_id"`
	Fingerprint string         `json:"identity_fingerprint"`
	CreatedAt   time.Time      `json:"created_at"`
}

// VerifiedSection splits verified devices by whether an outbound
// session exists for them.
type VerifiedSection struct {
	Error           string           `json:"error,omitempty"`
	WithSessions    []ref.PeerDevice `json:"with_sessions,omitempty"`
	WithoutSessions []ref.PeerDevice `json:"without_sessions,omitempty"`
}

// VerificationSection counts verification sessions by state.
type VerificationSection struct {
	ByState map[string]int `json:"by_state,omitempty"`
	Active  int            `json:"active"`
	Total   int            `json:"total"`
}

// Collect builds a report from sources. Source failures are recorded in
// the affected section; Collect itself fails only for missing local
// identity or a cancelled context.
func Collect(ctx context.Context, sources Sources) (*Report, error) {
	if sources.LocalUser.IsZero() || sources.LocalDevice.IsZero() {
		return nil, errors.New("diagnostics: LocalUser and LocalDevice are required")
	}
	report := &Report{
		LocalUser:   sources.LocalUser.String(),
		LocalDevice: sources.LocalDevice.String(),
		Build:       version.Current(),
	}
	if hash, err := version.SelfHash(); err == nil {
		report.BinaryHash = hash
	}
	if sources.Homeserver != nil {
		report.Devices = collectDevices(ctx, sources)
	}
	if sources.Sessions != nil {
		report.Sessions = collectSessions(sources.Sessions)
	}
	if sources.Verified != nil {
		report.Verified = collectVerified(ctx, sources)
	}
	if sources.Verifications != nil {
		report.Verifications = collectVerifications(sources.Verifications)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

func collectDevices(ctx context.Context, sources Sources) *DeviceSection {
	section := &DeviceSection{}
	devices, err := sources.Homeserver.Devices(ctx)
	if err != nil {
		section.Error = "listing devices: " + err.Error()
		return section
	}
	deviceIDs := make([]string, 0, len(devices))
	for _, device := range devices {
		deviceIDs = append(deviceIDs, device.DeviceID)
	}
	user := sources.LocalUser.String()
	response, err := sources.Homeserver.QueryKeys(ctx, messaging.KeysQueryRequest{
		DeviceKeys: map[string][]string{user: deviceIDs},
	})
	if err != nil {
		section.Error = "querying device keys: " + err.Error()
		return section
	}
	published := response.DeviceKeys[user]

	for _, device := range devices {
		info := DeviceInfo{
			DeviceID:    device.DeviceID,
			DisplayName: device.DisplayName,
			Current:     device.DeviceID == sources.LocalDevice.String(),
		}
		if device.LastSeenTS > 0 {
			info.LastSeen = time.UnixMilli(device.LastSeenTS).UTC()
		}
		keys, ok := published[device.DeviceID]
		if !ok || keys.Curve25519() == "" {
			section.WithoutKeys = append(section.WithoutKeys, info)
			continue
		}
		info.Curve25519 = keys.Curve25519()
		info.Ed25519 = keys.Ed25519()
		info.Fingerprint = Fingerprint(info.Curve25519)
		section.WithKeys = append(section.WithKeys, info)
	}
	byID := func(a, b DeviceInfo) int { return strings.Compare(a.DeviceID, b.DeviceID) }
	slices.SortFunc(section.WithKeys, byID)
	slices.SortFunc(section.WithoutKeys, byID)
	return section
}

func collectSessions(source SessionSource) *SessionSection {
	section := &SessionSection{}
	for _, session := range source.Sessions() {
		section.Sessions = append(section.Sessions, SessionInfo{
			Peer:        session.Peer,
			SessionID:   session.ID,
			Fingerprint: Fingerprint(session.TheirIdentityKey),
			CreatedAt:   session.CreatedAt,
		})
	}
	return section
}

func collectVerified(ctx context.Context, sources Sources) *VerifiedSection {
	section := &VerifiedSection{}
	devices, err := sources.Verified.List(ctx)
	if err != nil {
		section.Error = "reading verified devices: " + err.Error()
		return section
	}
	for _, device := range devices {
		if sources.Sessions != nil && sources.Sessions.HasSession(device.Peer) {
			section.WithSessions = append(section.WithSessions, device.Peer)
		} else {
			section.WithoutSessions = append(section.WithoutSessions, device.Peer)
		}
	}
	return section
}

func collectVerifications(source VerificationSource) *VerificationSection {
	section := &VerificationSection{ByState: make(map[string]int)}
	for _, session := range source.ListVerifications() {
		section.ByState[session.State.String()]++
		section.Total++
		if !session.State.Terminal() {
			section.Active++
		}
	}
	return section
}

// Fingerprint is a short, human-comparable digest of a base64 public
// key: the first 8 bytes of its BLAKE3 hash as four groups of hex. Keys
// that do not decode are hashed as text.
func Fingerprint(key string) string {
	if key == "" {
		return ""
	}
	material, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(key, "="))
	if err != nil {
		material = []byte(key)
	}
	digest := blake3.Sum256(material)
	encoded := hex.EncodeToString(digest[:8])
	return encoded[0:4] + " " + encoded[4:8] + " " + encoded[8:12] + " " + encoded[12:16]
}
