// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sas

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

func mustEphemeral(t *testing.T) *Ephemeral {
	t.Helper()
	ephemeral, err := GenerateEphemeral(nil)
	if err != nil {
		t.Fatalf("GenerateEphemeral: %v", err)
	}
	return ephemeral
}

func TestEphemeral_SharedSecretAgrees(t *testing.T) {
	alice := mustEphemeral(t)
	bob := mustEphemeral(t)

	if len(alice.PublicKey()) != 43 {
		t.Errorf("public key %q is not 43 unpadded base64 characters", alice.PublicKey())
	}
	if strings.HasSuffix(alice.PublicKey(), "=") {
		t.Error("public key must be unpadded")
	}

	aliceSecret, err := alice.SharedSecret(bob.PublicKey())
	if err != nil {
		t.Fatalf("alice SharedSecret: %v", err)
	}
	bobSecret, err := bob.SharedSecret(alice.PublicKey() + "=")
	if err != nil {
		t.Fatalf("bob SharedSecret with padded key: %v", err)
	}
	if !bytes.Equal(aliceSecret, bobSecret) {
		t.Error("ECDH secrets differ")
	}
}

func TestEphemeral_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	first, err := GenerateEphemeral(bytes.NewReader(seed))
	if err != nil {
		t.Fatal(err)
	}
	second, _ := GenerateEphemeral(bytes.NewReader(seed))
	if first.PublicKey() != second.PublicKey() {
		t.Error("same seed produced different keys")
	}

	if _, err := GenerateEphemeral(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Error("expected error from short random source")
	}
}

func TestEphemeral_InvalidPeerKey(t *testing.T) {
	ephemeral := mustEphemeral(t)
	for _, key := range []string{"peerKeyXYZ", "not base64!", "", strings.Repeat("A", 43)} {
		_, err := ephemeral.SharedSecret(key)
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("SharedSecret(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestEphemeral_Zero(t *testing.T) {
	ephemeral := mustEphemeral(t)
	ephemeral.Zero()
	if ephemeral.private != [32]byte{} {
		t.Error("private key not cleared")
	}
}

func TestCommitment_KnownVector(t *testing.T) {
	start := map[string]any{
		"from_device":                 "ALICE",
		"method":                      "m.sas.v1",
		"transaction_id":              "t1",
		"hashes":                      []string{"sha256"},
		"short_authentication_string": []string{"decimal", "emoji"},
	}
	commitment, err := Commitment("pubKeyB", start)
	if err != nil {
		t.Fatalf("Commitment: %v", err)
	}
	if commitment != "XYQnonvlHxLqDK6hh6CcBQLxw6Av6paIyvKYSX4piMc" {
		t.Errorf("Commitment = %q", commitment)
	}

	ok, err := VerifyCommitment(commitment, "pubKeyB", start)
	if err != nil || !ok {
		t.Errorf("VerifyCommitment = %v, %v", ok, err)
	}
	ok, _ = VerifyCommitment(commitment, "pubKeyC", start)
	if ok {
		t.Error("commitment verified against the wrong key")
	}
}

func TestCommitment_FieldOrderIrrelevant(t *testing.T) {
	type startA struct {
		Method     string `json:"method"`
		FromDevice string `json:"from_device"`
	}
	type startB struct {
		FromDevice string `json:"from_device"`
		Method     string `json:"method"`
	}
	first, _ := Commitment("k", startA{Method: "m.sas.v1", FromDevice: "D"})
	second, _ := Commitment("k", startB{FromDevice: "D", Method: "m.sas.v1"})
	if first != second {
		t.Error("struct field order changed the commitment")
	}
}

func TestMAC_KnownVector(t *testing.T) {
	got := MAC([]byte("shared-secret"), "info", "message")
	if got != "v1stNUy0ahum337lyp6LRnyf3Mzjmnln580305CspJU" {
		t.Errorf("MAC = %q", got)
	}
	if !VerifyMAC([]byte("shared-secret"), "info", "message", got) {
		t.Error("VerifyMAC rejected its own MAC")
	}
	if VerifyMAC([]byte("shared-secret"), "other-info", "message", got) {
		t.Error("VerifyMAC accepted a MAC under a different info string")
	}
}

func TestMACInfo(t *testing.T) {
	sender := ref.MustPeerDevice("@alice:example.org", "ALICE")
	receiver := ref.MustPeerDevice("@bob:example.org", "BOB")
	got := MACInfo(sender, receiver, "txn", "ed25519:ALICE")
	want := "MATRIX_KEY_VERIFICATION_MAC@alice:example.orgALICE@bob:example.orgBOBtxned25519:ALICE"
	if got != want {
		t.Errorf("MACInfo = %q, want %q", got, want)
	}
}

func TestKeyIDs(t *testing.T) {
	ids := []string{"ed25519:ZZZ", "ed25519:AAA"}
	if got := KeyIDs(ids); got != "ed25519:AAA,ed25519:ZZZ" {
		t.Errorf("KeyIDs = %q", got)
	}
	if ids[0] != "ed25519:ZZZ" {
		t.Error("KeyIDs modified its argument")
	}
}

func TestMACKeyMaterial(t *testing.T) {
	alice := mustEphemeral(t)
	bob := mustEphemeral(t)

	aliceMaterial, fallback := MACKeyMaterial(alice, bob.PublicKey(), "txn")
	if fallback {
		t.Error("valid key should not fall back")
	}
	bobMaterial, _ := MACKeyMaterial(bob, alice.PublicKey(), "txn")
	if !bytes.Equal(aliceMaterial, bobMaterial) {
		t.Error("key material differs between parties")
	}

	first, fallback := MACKeyMaterial(alice, "peerKeyXYZ", "txn")
	if !fallback {
		t.Error("invalid key should fall back")
	}
	second, _ := MACKeyMaterial(alice, "peerKeyXYZ", "txn")
	if !bytes.Equal(first, second) || len(first) != 32 {
		t.Error("fallback material should be a stable 32-byte digest")
	}
}
