// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/sas"
)

// Who cancelled a session.
const (
	CancelledByLocal = "local"
	CancelledByPeer  = "peer"
)

// Session is one verification, identified by its transaction ID.
// Sessions are values: the state machine returns modified copies and
// the coordinator's table holds the current one.
type Session struct {
	TransactionID string         `json:"transaction_id"`
	State         State          `json:"state"`
	LocalDevice   ref.DeviceID   `json:"local_device_id"`
	Peer          ref.PeerDevice `json:"peer"`
	Initiator     bool           `json:"initiator"`
	Methods       []string       `json:"methods,omitempty"`
	SASTypes      []string       `json:"sas_types,omitempty"`

	OurEphemeralKey   string     `json:"our_ephemeral_key,omitempty"`
	TheirEphemeralKey string     `json:"their_ephemeral_key,omitempty"`
	OurCommitment     string     `json:"our_commitment,omitempty"`
	TheirCommitment   string     `json:"their_commitment,omitempty"`
	Codes             *sas.Codes `json:"sas,omitempty"`

	// OurMAC is the MAC over our Ed25519 key that we sent.
	OurMAC string `json:"our_mac,omitempty"`
	// TheirMAC is the peer's key ID -> MAC map; TheirKeysMAC covers
	// the key ID list.
	TheirMAC     map[string]string `json:"their_mac,omitempty"`
	TheirKeysMAC string            `json:"their_keys_mac,omitempty"`

	CancelCode   string `json:"cancel_code,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`
	CancelledBy  string `json:"cancelled_by,omitempty"`

	// TheirMACChecked is set once the peer's MAC has been processed;
	// TheirMACVerified only when it was checked against a known
	// Ed25519 key. Approved records operator acceptance, Confirmed a
	// matching SAS comparison.
	StartSent          bool `json:"start_sent,omitempty"`
	OurKeySent         bool `json:"our_key_sent,omitempty"`
	OurMACSent         bool `json:"our_mac_sent,omitempty"`
	DoneSent           bool `json:"done_sent,omitempty"`
	TheirDone          bool `json:"their_done,omitempty"`
	TheirMACChecked    bool `json:"their_mac_checked,omitempty"`
	TheirMACVerified   bool `json:"their_mac_verified,omitempty"`
	Approved           bool `json:"approved,omitempty"`
	Confirmed          bool `json:"confirmed,omitempty"`
	CommitmentMismatch bool `json:"commitment_mismatch,omitempty"`
	// InsecureMAC is set when the peer's ephemeral key was unusable
	// and MACs were computed over non-secret fallback material.
	InsecureMAC bool `json:"insecure_mac,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// OurStart and TheirStart are the start contents sent and
	// received, kept for commitment checks.
	OurStart   *StartContent `json:"-"`
	TheirStart *StartContent `json:"-"`

	ephemeral *sas.Ephemeral
}

// clone returns a copy that shares no mutable state with s. The
// ephemeral key and start contents are never mutated after creation
// and are shared.
func (s Session) clone() Session {
	s.Methods = slices.Clone(s.Methods)
	s.SASTypes = slices.Clone(s.SASTypes)
	s.TheirMAC = maps.Clone(s.TheirMAC)
	if s.Codes != nil {
		codes := *s.Codes
		s.Codes = &codes
	}
	return s
}

// HasCodes reports whether the SAS has been derived.
func (s Session) HasCodes() bool {
	return s.Codes != nil
}

// startForCommitment returns the start content the accepting side
// hashed into its commitment: ours when we initiated the start,
// theirs otherwise.
func (s Session) startForCommitment() *StartContent {
	if s.StartSent && s.OurStart != nil {
		return s.OurStart
	}
	return s.TheirStart
}
