// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

type storedRecord struct {
	Peer       ref.PeerDevice `cbor:"peer"`
	Key        string         `cbor:"key"`
	VerifiedAt time.Time      `cbor:"verified_at"`
}

func TestMarshalRefTypes(t *testing.T) {
	original := storedRecord{
		Peer:       ref.MustPeerDevice("@bob:example.org", "DEVICE1"),
		Key:        "ed25519:DEVICE1",
		VerifiedAt: time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC),
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// The user ID must be stored as text, not as an empty map.
	if !bytes.Contains(data, []byte("@bob:example.org")) {
		t.Fatal("encoded record does not contain the user ID text")
	}

	var decoded storedRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Peer != original.Peer || decoded.Key != original.Key {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
	if !decoded.VerifiedAt.Equal(original.VerifiedAt) {
		t.Errorf("VerifiedAt = %v, want %v", decoded.VerifiedAt, original.VerifiedAt)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 20 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("map encoding is not deterministic")
		}
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type newer struct {
		Key   string `cbor:"key"`
		Extra int    `cbor:"extra"`
	}
	type older struct {
		Key string `cbor:"key"`
	}
	data, err := Marshal(newer{Key: "k", Extra: 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded older
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Key != "k" {
		t.Errorf("Key = %q, want k", decoded.Key)
	}
}

func TestUnmarshalRejectsDeepNesting(t *testing.T) {
	// Twenty one-element arrays wrapped around a zero.
	data := append(bytes.Repeat([]byte{0x81}, 20), 0x00)
	var decoded any
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("expected error for nesting beyond the record limit")
	}

	shallow := append(bytes.Repeat([]byte{0x81}, 3), 0x00)
	if err := Unmarshal(shallow, &decoded); err != nil {
		t.Fatalf("Unmarshal shallow: %v", err)
	}
}
