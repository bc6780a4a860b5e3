// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/e2ee/lib/netutil"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/secret"
	"github.com/bureau-foundation/e2ee/lib/version"
)

// Client-server API paths.
const (
	pathLogin        = "/_matrix/client/v3/login"
	pathWhoAmI       = "/_matrix/client/v3/account/whoami"
	pathSync         = "/_matrix/client/v3/sync"
	pathSendToDevice = "/_matrix/client/v3/sendToDevice/"
	pathDevices      = "/_matrix/client/v3/devices"
	pathKeysQuery    = "/_matrix/client/v3/keys/query"
	pathKeysClaim    = "/_matrix/client/v3/keys/claim"
	pathKeysUpload   = "/_matrix/client/v3/keys/upload"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the homeserver, for example
	// "https://matrix.example.org".
	HomeserverURL string
	// HTTPClient is used for all requests. Nil means http.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is an unauthenticated Matrix client. Sessions derived from it
// share its HTTP transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient validates the homeserver URL and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must use http or https", config.HomeserverURL)
	}

	client := &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: config.HTTPClient,
		logger:     config.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = http.DefaultClient
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	return client, nil
}

// BaseURL returns the homeserver URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections drops pooled connections so the next request
// dials fresh. The sync loop calls it after a failed poll.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Login authenticates with a password and returns a session for the
// device the server assigned. An empty deviceID asks the server to
// allocate one. password is read, not closed.
func (c *Client) Login(ctx context.Context, username string, password *secret.Buffer, deviceID string) (*DirectSession, error) {
	if username == "" {
		return nil, fmt.Errorf("messaging: username is required for login")
	}
	if password == nil {
		return nil, fmt.Errorf("messaging: password is required for login")
	}

	request := LoginRequest{
		Type:                     "m.login.password",
		Identifier:               &UserIdentifier{Type: "m.id.user", User: username},
		Password:                 password.String(),
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: "bureau-e2ee",
	}
	var auth AuthResponse
	if err := c.call(ctx, apiRequest{method: http.MethodPost, path: pathLogin, body: request}, &auth); err != nil {
		return nil, fmt.Errorf("messaging: login: %w", err)
	}

	deviceRef, err := ref.ParseDeviceID(auth.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("messaging: login response: %w", err)
	}
	c.logger.Info("logged in to matrix",
		"user_id", auth.UserID.String(),
		"device_id", auth.DeviceID,
	)
	return c.SessionFromToken(auth.UserID, deviceRef, auth.AccessToken)
}

// SessionFromToken returns a session for an existing access token
// without contacting the server. The token is moved into guarded
// memory; the caller must Close the session.
func (c *Client) SessionFromToken(userID ref.UserID, deviceID ref.DeviceID, accessToken string) (*DirectSession, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("messaging: user ID is required")
	}
	// Keys are published per device, so a session without one is
	// useless to this daemon.
	if deviceID.IsZero() {
		return nil, fmt.Errorf("messaging: device ID is required for end-to-end encryption")
	}
	token, err := secret.NewFromString(accessToken)
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	return &DirectSession{client: c, accessToken: token, userID: userID, deviceID: deviceID}, nil
}

// apiRequest describes one homeserver call. token is nil for
// unauthenticated endpoints.
type apiRequest struct {
	method string
	path   string
	query  url.Values
	token  *secret.Buffer
	body   any
}

// call performs request and decodes a 2xx body into response, which
// may be nil. Error responses in the standard Matrix shape come back
// as *MatrixError; anything else, such as a proxy's HTML page, is
// reported with the raw body.
func (c *Client) call(ctx context.Context, request apiRequest, response any) error {
	target := c.baseURL + request.path
	if len(request.query) > 0 {
		target += "?" + request.query.Encode()
	}

	var body io.Reader
	if request.body != nil {
		encoded, err := json.Marshal(request.body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", request.path, err)
		}
		body = bytes.NewReader(encoded)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, request.method, target, body)
	if err != nil {
		return err
	}
	httpRequest.Header.Set("User-Agent", version.UserAgent())
	if request.body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if request.token != nil {
		httpRequest.Header.Set("Authorization", "Bearer "+request.token.String())
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("%s %s: %w", request.method, request.path, err)
	}
	defer httpResponse.Body.Close()

	data, err := netutil.ReadResponse(httpResponse.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", request.path, err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		var matrixErr MatrixError
		if json.Unmarshal(data, &matrixErr) != nil || matrixErr.Code == "" {
			return fmt.Errorf("unexpected %d response from %s %s: %s",
				httpResponse.StatusCode, request.method, request.path, string(data))
		}
		matrixErr.StatusCode = httpResponse.StatusCode
		return &matrixErr
	}

	if response == nil {
		return nil
	}
	if err := json.Unmarshal(data, response); err != nil {
		return fmt.Errorf("decoding %s response: %w", request.path, err)
	}
	return nil
}
