// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"encoding/json"
	"fmt"
	"slices"
)

// To-device event types of the verification framework.
const (
	EventRequest = "m.key.verification.request"
	EventReady   = "m.key.verification.ready"
	EventStart   = "m.key.verification.start"
	EventAccept  = "m.key.verification.accept"
	EventKey     = "m.key.verification.key"
	EventMAC     = "m.key.verification.mac"
	EventDone    = "m.key.verification.done"
	EventCancel  = "m.key.verification.cancel"
)

// Protocol identifiers for m.sas.v1.
const (
	MethodSAS              = "m.sas.v1"
	KeyAgreementCurve25519 = "curve25519-hkdf-sha256"
	HashSHA256             = "sha256"
	MACHKDFHMACSHA256V2    = "hkdf-hmac-sha256.v2"
	SASDecimal             = "decimal"
	SASEmoji               = "emoji"
)

// Cancel codes.
const (
	CancelUser                 = "m.user"
	CancelTimeout              = "m.timeout"
	CancelUnknownTransaction   = "m.unknown_transaction"
	CancelUnknownMethod        = "m.unknown_method"
	CancelUnexpectedMessage    = "m.unexpected_message"
	CancelKeyMismatch          = "m.key_mismatch"
	CancelUserMismatch         = "m.user_mismatch"
	CancelInvalidMessage       = "m.invalid_message"
	CancelAccepted             = "m.accepted"
	CancelMismatchedCommitment = "m.mismatched_commitment"
	CancelMismatchedSAS        = "m.mismatched_sas"
)

// IsVerificationEvent reports whether eventType belongs to this package.
func IsVerificationEvent(eventType string) bool {
	switch eventType {
	case EventRequest, EventReady, EventStart, EventAccept,
		EventKey, EventMAC, EventDone, EventCancel:
		return true
	}
	return false
}

// Content is the decoded content of one verification event.
type Content interface {
	// EventType returns the to-device event type the content belongs to.
	EventType() string
	// Transaction returns the transaction_id field.
	Transaction() string
}

// RequestContent is m.key.verification.request.
type RequestContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	Timestamp     int64    `json:"timestamp,omitempty"`
	TransactionID string   `json:"transaction_id"`
}

// ReadyContent is m.key.verification.ready.
type ReadyContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	TransactionID string   `json:"transaction_id"`
}

// StartContent is m.key.verification.start for method m.sas.v1.
type StartContent struct {
	FromDevice                 string   `json:"from_device"`
	Method                     string   `json:"method"`
	KeyAgreementProtocols      []string `json:"key_agreement_protocols"`
	Hashes                     []string `json:"hashes"`
	MessageAuthenticationCodes []string `json:"message_authentication_codes"`
	ShortAuthenticationString  []string `json:"short_authentication_string"`
	TransactionID              string   `json:"transaction_id"`
}

// AcceptContent is m.key.verification.accept.
type AcceptContent struct {
	Method                    string   `json:"method"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
	Commitment                string   `json:"commitment"`
	TransactionID             string   `json:"transaction_id"`
}

// KeyContent is m.key.verification.key.
type KeyContent struct {
	Key           string `json:"key"`
	TransactionID string `json:"transaction_id"`
}

// MACContent is m.key.verification.mac.
type MACContent struct {
	Keys          string            `json:"keys"`
	MAC           map[string]string `json:"mac"`
	TransactionID string            `json:"transaction_id"`
}

// DoneContent is m.key.verification.done.
type DoneContent struct {
	TransactionID string `json:"transaction_id"`
}

// CancelContent is m.key.verification.cancel.
type CancelContent struct {
	Code          string `json:"code"`
	Reason        string `json:"reason"`
	TransactionID string `json:"transaction_id"`
}

func (c *RequestContent) EventType() string   { return EventRequest }
func (c *RequestContent) Transaction() string { return c.TransactionID }
func (c *ReadyContent) EventType() string     { return EventReady }
func (c *ReadyContent) Transaction() string   { return c.TransactionID }
func (c *StartContent) EventType() string     { return EventStart }
func (c *StartContent) Transaction() string   { return c.TransactionID }
func (c *AcceptContent) EventType() string    { return EventAccept }
func (c *AcceptContent) Transaction() string  { return c.TransactionID }
func (c *KeyContent) EventType() string       { return EventKey }
func (c *KeyContent) Transaction() string     { return c.TransactionID }
func (c *MACContent) EventType() string       { return EventMAC }
func (c *MACContent) Transaction() string     { return c.TransactionID }
func (c *DoneContent) EventType() string      { return EventDone }
func (c *DoneContent) Transaction() string    { return c.TransactionID }
func (c *CancelContent) EventType() string    { return EventCancel }
func (c *CancelContent) Transaction() string  { return c.TransactionID }

// DecodeContent decodes raw event content by type. Content without a
// transaction_id is rejected: nothing can be routed without one.
func DecodeContent(eventType string, raw json.RawMessage) (Content, error) {
	var content Content
	switch eventType {
	case EventRequest:
		content = &RequestContent{}
	case EventReady:
		content = &ReadyContent{}
	case EventStart:
		content = &StartContent{}
	case EventAccept:
		content = &AcceptContent{}
	case EventKey:
		content = &KeyContent{}
	case EventMAC:
		content = &MACContent{}
	case EventDone:
		content = &DoneContent{}
	case EventCancel:
		content = &CancelContent{}
	default:
		return nil, fmt.Errorf("verification: unsupported event type %q", eventType)
	}
	if err := json.Unmarshal(raw, content); err != nil {
		return nil, fmt.Errorf("verification: decoding %s: %w", eventType, err)
	}
	if content.Transaction() == "" {
		return nil, fmt.Errorf("verification: %s has no transaction_id", eventType)
	}
	return content, nil
}

// newStartContent is the start event this device sends: m.sas.v1
// with the only algorithms implemented here.
func newStartContent(fromDevice, transactionID string) *StartContent {
	return &StartContent{
		FromDevice:                 fromDevice,
		Method:                     MethodSAS,
		KeyAgreementProtocols:      []string{KeyAgreementCurve25519},
		Hashes:                     []string{HashSHA256},
		MessageAuthenticationCodes: []string{MACHKDFHMACSHA256V2},
		ShortAuthenticationString:  []string{SASDecimal, SASEmoji},
		TransactionID:              transactionID,
	}
}

// supportsStart reports whether a received start offers something
// this device implements, and returns the SAS types to accept.
func supportsStart(start *StartContent) ([]string, bool) {
	if start.Method != MethodSAS ||
		!slices.Contains(start.KeyAgreementProtocols, KeyAgreementCurve25519) ||
		!slices.Contains(start.Hashes, HashSHA256) ||
		!slices.Contains(start.MessageAuthenticationCodes, MACHKDFHMACSHA256V2) {
		return nil, false
	}
	var types []string
	for _, candidate := range []string{SASDecimal, SASEmoji} {
		if slices.Contains(start.ShortAuthenticationString, candidate) {
			types = append(types, candidate)
		}
	}
	return types, len(types) > 0
}
