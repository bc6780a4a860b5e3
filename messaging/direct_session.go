// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/secret"
)

// DirectSession is an authenticated session bound to one device. The
// access token lives in a secret.Buffer; call Close to release it.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    ref.DeviceID
}

func (s *DirectSession) UserID() ref.UserID     { return s.userID }
func (s *DirectSession) DeviceID() ref.DeviceID { return s.deviceID }

// AccessToken copies the token out of guarded memory. Use it only
// where a string is unavoidable, such as writing the session file.
func (s *DirectSession) AccessToken() string {
	return s.accessToken.String()
}

// CloseIdleConnections drops the shared transport's pooled connections.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close zeroes and unmaps the access token. Idempotent.
func (s *DirectSession) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// call is Client.call with this session's token.
func (s *DirectSession) call(ctx context.Context, method, path string, query url.Values, body, response any) error {
	return s.client.call(ctx, apiRequest{
		method: method,
		path:   path,
		query:  query,
		token:  s.accessToken,
		body:   body,
	}, response)
}

// WhoAmI returns the identity the server associates with the token.
func (s *DirectSession) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	var response WhoAmIResponse
	if err := s.call(ctx, http.MethodGet, pathWhoAmI, nil, nil, &response); err != nil {
		return nil, fmt.Errorf("messaging: whoami: %w", err)
	}
	return &response, nil
}

// Sync performs one /sync. With an empty Since the server answers
// immediately with a snapshot; otherwise it long-polls for up to
// Timeout milliseconds.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	var response SyncResponse
	if err := s.call(ctx, http.MethodGet, pathSync, query, nil, &response); err != nil {
		return nil, fmt.Errorf("messaging: sync: %w", err)
	}
	return &response, nil
}

// SendToDevice delivers one event type to any number of devices.
// messages maps user ID to device ID (or "*") to content. Each call
// uses a fresh transaction ID, so the PUT is idempotent only across
// the server's retries of this one request.
func (s *DirectSession) SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]any) error {
	if eventType == "" {
		return fmt.Errorf("messaging: to-device event type is required")
	}
	if len(messages) == 0 {
		return nil
	}
	path := pathSendToDevice + url.PathEscape(eventType) + "/" + uuid.NewString()
	if err := s.call(ctx, http.MethodPut, path, nil, SendToDeviceRequest{Messages: messages}, nil); err != nil {
		return fmt.Errorf("messaging: sending %s: %w", eventType, err)
	}
	return nil
}

// Devices lists the devices registered to the session's user.
func (s *DirectSession) Devices(ctx context.Context) ([]Device, error) {
	var response DevicesResponse
	if err := s.call(ctx, http.MethodGet, pathDevices, nil, nil, &response); err != nil {
		return nil, fmt.Errorf("messaging: listing devices: %w", err)
	}
	return response.Devices, nil
}
