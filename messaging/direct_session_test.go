// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestWhoAmI(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if request.Header.Get("Authorization") != "Bearer syt_bot" {
			t.Errorf("unexpected Authorization header: %q", request.Header.Get("Authorization"))
		}
		writeJSON(t, writer, http.StatusOK, map[string]string{
			"user_id":   "@bot:test.local",
			"device_id": "BOTDEVICE",
		})
	})

	response, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI: %v", err)
	}
	if response.UserID.String() != "@bot:test.local" || response.DeviceID != "BOTDEVICE" {
		t.Errorf("unexpected whoami response: %+v", response)
	}
}

func TestWhoAmI_UnknownToken(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(t, writer, http.StatusUnauthorized, map[string]string{
			"errcode": ErrCodeUnknownToken,
			"error":   "Unknown access token",
		})
	})

	_, err := session.WhoAmI(context.Background())
	if !IsMatrixError(err, ErrCodeUnknownToken) {
		t.Fatalf("expected M_UNKNOWN_TOKEN, got %v", err)
	}
	if IsTransient(err) {
		t.Error("an unknown token is not transient")
	}
}

func TestSync(t *testing.T) {
	t.Run("query parameters", func(t *testing.T) {
		session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
			query := request.URL.Query()
			if query.Get("since") != "s1" {
				t.Errorf("since = %q", query.Get("since"))
			}
			if query.Get("timeout") != "0" {
				t.Errorf("timeout = %q, want explicit 0", query.Get("timeout"))
			}
			if query.Get("filter") != `{"room":{"rooms":[]}}` {
				t.Errorf("filter = %q", query.Get("filter"))
			}
			writeJSON(t, writer, http.StatusOK, map[string]any{"next_batch": "s2"})
		})

		response, err := session.Sync(context.Background(), SyncOptions{
			Since:      "s1",
			SetTimeout: true,
			Filter:     `{"room":{"rooms":[]}}`,
		})
		if err != nil {
			t.Fatalf("Sync: %v", err)
		}
		if response.NextBatch != "s2" {
			t.Errorf("next_batch = %q", response.NextBatch)
		}
	})

	t.Run("initial sync omits since and timeout", func(t *testing.T) {
		session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.RawQuery != "" {
				t.Errorf("unexpected query %q", request.URL.RawQuery)
			}
			writeJSON(t, writer, http.StatusOK, map[string]any{"next_batch": "s1"})
		})
		if _, err := session.Sync(context.Background(), SyncOptions{}); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	})

	t.Run("to-device and device lists", func(t *testing.T) {
		session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.Write([]byte(`{
				"next_batch": "s9",
				"to_device": {"events": [{
					"type": "m.key.verification.request",
					"sender": "@alice:test.local",
					"content": {"from_device": "ALICEPHONE", "transaction_id": "t1", "methods": ["m.sas.v1"]}
				}]},
				"device_lists": {"changed": ["@alice:test.local"], "left": ["@carol:test.local"]},
				"device_one_time_keys_count": {"signed_curve25519": 7}
			}`))
		})

		response, err := session.Sync(context.Background(), SyncOptions{})
		if err != nil {
			t.Fatalf("Sync: %v", err)
		}
		if len(response.ToDevice.Events) != 1 {
			t.Fatalf("expected 1 to-device event, got %d", len(response.ToDevice.Events))
		}
		event := response.ToDevice.Events[0]
		if event.Type != "m.key.verification.request" || event.Sender != "@alice:test.local" {
			t.Errorf("unexpected event: %+v", event)
		}
		var content map[string]any
		if err := json.Unmarshal(event.Content, &content); err != nil {
			t.Fatalf("content is not JSON: %v", err)
		}
		if content["transaction_id"] != "t1" {
			t.Errorf("unexpected content: %v", content)
		}
		if len(response.DeviceLists.Changed) != 1 || response.DeviceLists.Left[0] != "@carol:test.local" {
			t.Errorf("unexpected device lists: %+v", response.DeviceLists)
		}
		if response.DeviceOneTimeKeysCount[KeyTypeSignedCurve25519] != 7 {
			t.Errorf("unexpected one-time key count: %v", response.DeviceOneTimeKeysCount)
		}
	})
}

func TestSendToDevice(t *testing.T) {
	var paths []string
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", request.Method)
		}
		paths = append(paths, request.URL.Path)

		var body struct {
			Messages map[string]map[string]map[string]string `json:"messages"`
		}
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		content := body.Messages["@alice:test.local"]["ALICEPHONE"]
		if content["transaction_id"] != "t1" {
			t.Errorf("unexpected messages: %v", body.Messages)
		}
		writeJSON(t, writer, http.StatusOK, map[string]any{})
	})

	messages := map[string]map[string]any{
		"@alice:test.local": {"ALICEPHONE": map[string]string{"transaction_id": "t1"}},
	}
	for range 2 {
		if err := session.SendToDevice(context.Background(), "m.key.verification.ready", messages); err != nil {
			t.Fatalf("SendToDevice: %v", err)
		}
	}

	if len(paths) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(paths))
	}
	const prefix = "/_matrix/client/v3/sendToDevice/m.key.verification.ready/"
	for _, path := range paths {
		if !strings.HasPrefix(path, prefix) {
			t.Errorf("unexpected path %q", path)
		}
	}
	if paths[0] == paths[1] {
		t.Errorf("transaction IDs must differ between sends: %q", paths[0])
	}
}

func TestSendToDevice_NothingToSend(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		t.Error("no request expected for an empty message map")
	})
	if err := session.SendToDevice(context.Background(), "m.dummy", nil); err != nil {
		t.Errorf("SendToDevice: %v", err)
	}
	if err := session.SendToDevice(context.Background(), "", map[string]map[string]any{"@a:b": {"D": 1}}); err == nil {
		t.Error("expected error for empty event type")
	}
}

func TestSendToDevice_ServerError(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(t, writer, http.StatusTooManyRequests, map[string]any{
			"errcode":        ErrCodeLimitExceeded,
			"error":          "Too many requests",
			"retry_after_ms": 2000,
		})
	})

	err := session.SendToDevice(context.Background(), "m.key.verification.key",
		map[string]map[string]any{"@a:test.local": {"D": map[string]string{}}})
	if !IsMatrixError(err, ErrCodeLimitExceeded) {
		t.Fatalf("expected M_LIMIT_EXCEEDED, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("rate limiting should be transient")
	}
}

func TestDevices(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/devices" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(t, writer, http.StatusOK, DevicesResponse{Devices: []Device{
			{DeviceID: "BOTDEVICE", DisplayName: "bureau-e2ee"},
			{DeviceID: "LAPTOP"},
		}})
	})

	devices, err := session.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 2 || devices[1].DeviceID != "LAPTOP" {
		t.Errorf("unexpected devices: %+v", devices)
	}
}
