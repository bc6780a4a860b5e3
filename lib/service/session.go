// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/secret"
	"github.com/bureau-foundation/e2ee/messaging"
)

// SessionData is the JSON structure of the session file.
type SessionData struct {
	HomeserverURL string `json:"homeserver_url"`
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	AccessToken   string `json:"access_token"`
}

// identity parses the user and device IDs. A session without a device
// cannot publish keys, so device_id is mandatory.
func (d SessionData) identity() (ref.UserID, ref.DeviceID, error) {
	if d.AccessToken == "" {
		return ref.UserID{}, ref.DeviceID{}, errors.New("empty access token")
	}
	userID, err := ref.ParseUserID(d.UserID)
	if err != nil {
		return ref.UserID{}, ref.DeviceID{}, fmt.Errorf("user_id: %w", err)
	}
	deviceID, err := ref.ParseDeviceID(d.DeviceID)
	if err != nil {
		return ref.UserID{}, ref.DeviceID{}, fmt.Errorf("device_id: %w", err)
	}
	return userID, deviceID, nil
}

// LoadSession reads the session file and returns a client and a
// session bound to the stored device. A non-empty homeserverURL
// overrides the file's. The file's bytes are zeroed once parsed; the
// token lives on only in the session's guarded memory, so the caller
// must Close the session.
func LoadSession(sessionPath, homeserverURL string, logger *slog.Logger) (*messaging.Client, *messaging.DirectSession, error) {
	raw, err := os.ReadFile(sessionPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading session: %w", err)
	}
	var data SessionData
	err = json.Unmarshal(raw, &data)
	secret.Zero(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing session %s: %w", sessionPath, err)
	}

	userID, deviceID, err := data.identity()
	if err != nil {
		return nil, nil, fmt.Errorf("session %s: %w", sessionPath, err)
	}
	if homeserverURL == "" {
		homeserverURL = data.HomeserverURL
	}
	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: homeserverURL, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	session, err := client.SessionFromToken(userID, deviceID, data.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	return client, session, nil
}

// SaveSession writes session to sessionPath with mode 0600. The file
// is written beside the target and renamed into place, so a crash
// never leaves a truncated session behind.
func SaveSession(sessionPath, homeserverURL string, session *messaging.DirectSession) error {
	encoded, err := json.MarshalIndent(SessionData{
		HomeserverURL: homeserverURL,
		UserID:        session.UserID().String(),
		DeviceID:      session.DeviceID().String(),
		AccessToken:   session.AccessToken(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	defer secret.Zero(encoded)

	temporary, err := os.CreateTemp(filepath.Dir(sessionPath), ".session-*")
	if err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	defer os.Remove(temporary.Name())
	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("writing session: %w", err)
	}
	if _, err := temporary.Write(append(encoded, '\n')); err != nil {
		temporary.Close()
		return fmt.Errorf("writing session: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	if err := os.Rename(temporary.Name(), sessionPath); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// Login signs in with a password and stores the resulting session at
// sessionPath. deviceID may be empty to have the server allocate one.
func Login(ctx context.Context, client *messaging.Client, username string, password *secret.Buffer, deviceID, sessionPath string) (*messaging.DirectSession, error) {
	session, err := client.Login(ctx, username, password, deviceID)
	if err != nil {
		return nil, err
	}
	if err := SaveSession(sessionPath, client.BaseURL(), session); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

// ValidateSession checks the session against WhoAmI. A token that
// belongs to another device would make every published key wrong, so
// a device mismatch is an error.
func ValidateSession(ctx context.Context, session *messaging.DirectSession) error {
	response, err := session.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("validating matrix session: %w", err)
	}
	if response.UserID != session.UserID() {
		return fmt.Errorf("validating matrix session: token belongs to %s, session file says %s",
			response.UserID, session.UserID())
	}
	if response.DeviceID != "" && response.DeviceID != session.DeviceID().String() {
		return fmt.Errorf("validating matrix session: token belongs to device %s, session file says %s",
			response.DeviceID, session.DeviceID())
	}
	return nil
}
