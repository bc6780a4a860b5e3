// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/e2ee/lib/secret"
	"github.com/bureau-foundation/e2ee/messaging"
)

func writeSessionFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing session file: %v", err)
	}
	return path
}

func TestLoadSession(t *testing.T) {
	t.Run("valid session", func(t *testing.T) {
		path := writeSessionFile(t, `{
			"homeserver_url": "http://localhost:6167",
			"user_id": "@bot:bureau.local",
			"device_id": "BOTDEVICE",
			"access_token": "syt_test_token"
		}`)

		client, session, err := LoadSession(path, "", discardLogger())
		if err != nil {
			t.Fatalf("LoadSession() error: %v", err)
		}
		defer session.Close()
		if client.BaseURL() != "http://localhost:6167" {
			t.Errorf("BaseURL() = %q", client.BaseURL())
		}
		if session.UserID().String() != "@bot:bureau.local" {
			t.Errorf("UserID() = %q", session.UserID())
		}
		if session.DeviceID().String() != "BOTDEVICE" {
			t.Errorf("DeviceID() = %q", session.DeviceID())
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := LoadSession(filepath.Join(t.TempDir(), "session.json"), "http://localhost:6167", discardLogger())
		if err == nil {
			t.Error("expected error for missing session file")
		}
	})

	t.Run("empty access token", func(t *testing.T) {
		path := writeSessionFile(t, `{
			"homeserver_url": "http://localhost:6167",
			"user_id": "@test:local",
			"device_id": "D",
			"access_token": ""
		}`)
		_, _, err := LoadSession(path, "", discardLogger())
		if err == nil || !strings.Contains(err.Error(), "empty access token") {
			t.Errorf("error = %v, want 'empty access token'", err)
		}
	})

	t.Run("missing device id", func(t *testing.T) {
		path := writeSessionFile(t, `{
			"homeserver_url": "http://localhost:6167",
			"user_id": "@test:local",
			"access_token": "syt_test_token"
		}`)
		_, _, err := LoadSession(path, "", discardLogger())
		if err == nil || !strings.Contains(err.Error(), "device_id") {
			t.Errorf("error = %v, want device_id error", err)
		}
	})

	t.Run("homeserver URL override", func(t *testing.T) {
		path := writeSessionFile(t, `{
			"homeserver_url": "http://original:6167",
			"user_id": "@test:local",
			"device_id": "D",
			"access_token": "syt_test_token"
		}`)

		client, session, err := LoadSession(path, "http://override:6167", discardLogger())
		if err != nil {
			t.Fatalf("LoadSession() error: %v", err)
		}
		defer session.Close()
		if client.BaseURL() != "http://override:6167" {
			t.Errorf("BaseURL() = %q, want override", client.BaseURL())
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		path := writeSessionFile(t, `{not json`)
		if _, _, err := LoadSession(path, "", discardLogger()); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestSaveSession_RoundTrip(t *testing.T) {
	source := writeSessionFile(t, `{
		"homeserver_url": "http://localhost:6167",
		"user_id": "@bot:bureau.local",
		"device_id": "BOTDEVICE",
		"access_token": "syt_round_trip"
	}`)
	_, session, err := LoadSession(source, "", discardLogger())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	defer session.Close()

	target := filepath.Join(t.TempDir(), "saved.json")
	if err := SaveSession(target, "http://localhost:6167", session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("session file mode = %v, want 0600", info.Mode().Perm())
	}

	data, _ := os.ReadFile(target)
	var saved SessionData
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("parsing saved file: %v", err)
	}
	if saved.DeviceID != "BOTDEVICE" || saved.AccessToken != "syt_round_trip" {
		t.Errorf("unexpected saved data: %+v", saved)
	}
}

func TestValidateSession(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		deviceID string
		wantErr  string
	}{
		{"matching", "@bot:bureau.local", "BOTDEVICE", ""},
		{"server omits device", "@bot:bureau.local", "", ""},
		{"different user", "@other:bureau.local", "BOTDEVICE", "token belongs to @other"},
		{"different device", "@bot:bureau.local", "OTHER", "device OTHER"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				writer.Header().Set("Content-Type", "application/json")
				json.NewEncoder(writer).Encode(map[string]string{
					"user_id":   test.userID,
					"device_id": test.deviceID,
				})
			}))
			defer server.Close()

			path := writeSessionFile(t, `{
				"user_id": "@bot:bureau.local",
				"device_id": "BOTDEVICE",
				"access_token": "syt_test"
			}`)
			_, session, err := LoadSession(path, server.URL, discardLogger())
			if err != nil {
				t.Fatalf("LoadSession: %v", err)
			}
			defer session.Close()

			err = ValidateSession(context.Background(), session)
			if test.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("error = %v, want %q", err, test.wantErr)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/login" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]string{
			"user_id":      "@bot:bureau.local",
			"device_id":    "NEWDEVICE",
			"access_token": "syt_fresh",
		})
	}))
	defer server.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	password, err := secret.NewFromString("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	defer password.Close()

	path := filepath.Join(t.TempDir(), "session.json")
	session, err := Login(context.Background(), client, "bot", password, "", path)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	session.Close()

	// The stored session loads back as the server's device.
	_, reloaded, err := LoadSession(path, "", discardLogger())
	if err != nil {
		t.Fatalf("LoadSession after Login: %v", err)
	}
	defer reloaded.Close()
	if reloaded.DeviceID().String() != "NEWDEVICE" || reloaded.AccessToken() != "syt_fresh" {
		t.Errorf("reloaded %s with token %q", reloaded.DeviceID(), reloaded.AccessToken())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}
