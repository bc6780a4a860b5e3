// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/secret"
)

// testBuffer creates a secret.Buffer from a string for testing. The buffer
// is automatically closed when the test completes.
func testBuffer(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("creating test buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

// newTestSession starts an httptest server with handler and returns a
// session for @bot:test.local/BOTDEVICE authenticated with "syt_bot".
func newTestSession(t *testing.T, handler http.HandlerFunc) *DirectSession {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	session, err := client.SessionFromToken(
		ref.MustParseUserID("@bot:test.local"),
		ref.MustParseDeviceID("BOTDEVICE"),
		"syt_bot",
	)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func writeJSON(t *testing.T, writer http.ResponseWriter, status int, value any) {
	t.Helper()
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:6167/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.BaseURL() != "http://localhost:6167" {
			t.Errorf("trailing slash not stripped: %q", client.BaseURL())
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{})
		if err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{HomeserverURL: "://invalid"})
		if err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := NewClient(ClientConfig{HomeserverURL: "ftp://example.org"})
		if err == nil {
			t.Fatal("expected error for ftp scheme")
		}
	})
}

func TestLogin(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_matrix/client/v3/login" {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}
			if !strings.HasPrefix(request.Header.Get("User-Agent"), "bureau-e2ee/") {
				t.Errorf("unexpected User-Agent %q", request.Header.Get("User-Agent"))
			}
			var body LoginRequest
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode request body: %v", err)
			}
			if body.Type != "m.login.password" || body.Identifier == nil || body.Identifier.User != "bot" {
				t.Errorf("unexpected login request: %+v", body)
			}
			if body.Password != "hunter2" {
				t.Errorf("unexpected password: %q", body.Password)
			}
			if body.DeviceID != "BOTDEVICE" {
				t.Errorf("unexpected device_id: %q", body.DeviceID)
			}
			writeJSON(t, writer, http.StatusOK, map[string]string{
				"user_id":      "@bot:test.local",
				"access_token": "syt_new",
				"device_id":    "BOTDEVICE",
			})
		}))
		defer server.Close()

		client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		session, err := client.Login(context.Background(), "bot", testBuffer(t, "hunter2"), "BOTDEVICE")
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		defer session.Close()

		if session.UserID().String() != "@bot:test.local" {
			t.Errorf("unexpected user ID: %s", session.UserID())
		}
		if session.DeviceID().String() != "BOTDEVICE" {
			t.Errorf("unexpected device ID: %s", session.DeviceID())
		}
		if session.AccessToken() != "syt_new" {
			t.Errorf("unexpected access token: %s", session.AccessToken())
		}
	})

	t.Run("forbidden", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writeJSON(t, writer, http.StatusForbidden, map[string]string{
				"errcode": ErrCodeForbidden,
				"error":   "Invalid password",
			})
		}))
		defer server.Close()

		client, _ := NewClient(ClientConfig{HomeserverURL: server.URL})
		_, err := client.Login(context.Background(), "bot", testBuffer(t, "wrong"), "")
		if !IsMatrixError(err, ErrCodeForbidden) {
			t.Fatalf("expected M_FORBIDDEN, got %v", err)
		}
		var matrixErr *MatrixError
		if !errors.As(err, &matrixErr) || matrixErr.StatusCode != http.StatusForbidden {
			t.Errorf("expected status 403, got %v", err)
		}
	})

	t.Run("missing arguments", func(t *testing.T) {
		client, _ := NewClient(ClientConfig{HomeserverURL: "http://localhost:1"})
		if _, err := client.Login(context.Background(), "", testBuffer(t, "x"), ""); err == nil {
			t.Error("expected error for empty username")
		}
		if _, err := client.Login(context.Background(), "bot", nil, ""); err == nil {
			t.Error("expected error for nil password")
		}
	})
}

func TestSessionFromToken(t *testing.T) {
	client, _ := NewClient(ClientConfig{HomeserverURL: "http://localhost:1"})

	if _, err := client.SessionFromToken(ref.UserID{}, ref.MustParseDeviceID("D"), "token"); err == nil {
		t.Error("expected error for zero user ID")
	}
	if _, err := client.SessionFromToken(ref.MustParseUserID("@a:b"), ref.DeviceID{}, "token"); err == nil {
		t.Error("expected error for zero device ID")
	}
	if _, err := client.SessionFromToken(ref.MustParseUserID("@a:b"), ref.MustParseDeviceID("D"), ""); err == nil {
		t.Error("expected error for empty token")
	}

	session, err := client.SessionFromToken(ref.MustParseUserID("@a:b"), ref.MustParseDeviceID("D"), "token")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCall_NonJSONError(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		writer.Write([]byte("<html>bad gateway</html>"))
	})

	_, err := session.WhoAmI(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		t.Errorf("non-JSON body should not produce a MatrixError: %v", err)
	}
	if !strings.Contains(err.Error(), "bad gateway") {
		t.Errorf("error should include the raw body: %v", err)
	}
	if !IsTransient(err) {
		t.Error("a proxy failure should be transient")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &MatrixError{Code: ErrCodeLimitExceeded, StatusCode: 429}, true},
		{"server error", &MatrixError{Code: ErrCodeUnknown, StatusCode: 500}, true},
		{"forbidden", &MatrixError{Code: ErrCodeForbidden, StatusCode: 403}, false},
		{"transport", errors.New("connection refused"), true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.want {
				t.Errorf("IsTransient(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	limited := fmt.Errorf("messaging: sync: %w", &MatrixError{Code: ErrCodeLimitExceeded, StatusCode: 429, RetryAfterMS: 2500})
	if got := RetryAfter(limited); got != 2500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 2.5s", got)
	}
	if got := RetryAfter(&MatrixError{Code: ErrCodeLimitExceeded, StatusCode: 429}); got != 0 {
		t.Errorf("RetryAfter without hint = %v", got)
	}
	if got := RetryAfter(errors.New("connection reset")); got != 0 {
		t.Errorf("RetryAfter of transport error = %v", got)
	}
}
