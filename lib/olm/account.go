// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/bureau-foundation/e2ee/lib/codec"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/secret"
	"github.com/bureau-foundation/e2ee/messaging"
)

// MaxOneTimeKeys caps the unpublished one-time-key pool.
const MaxOneTimeKeys = 100

type oneTimeKey struct {
	id        uint32
	private   []byte
	public    []byte
	published bool
}

// Account is this device's long-term key material. Private keys live
// in secret buffers; Close releases them.
type Account struct {
	mu sync.Mutex

	identity       *secret.Buffer
	identityPublic []byte
	signingSeed    *secret.Buffer
	signingPublic  ed25519.PublicKey
	oneTimeKeys    []oneTimeKey
	nextOneTimeKey uint32
	closed         bool
}

// NewAccount generates fresh identity and signing keys from random, or
// crypto/rand when random is nil.
func NewAccount(random io.Reader) (*Account, error) {
	if random == nil {
		random = rand.Reader
	}
	identity := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(random, identity); err != nil {
		return nil, fmt.Errorf("olm: generating identity key: %w", err)
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(random, seed); err != nil {
		secret.Zero(identity)
		return nil, fmt.Errorf("olm: generating signing key: %w", err)
	}
	return accountFromKeys(identity, seed, 1)
}

// accountFromKeys takes ownership of identity and seed and zeroes them.
func accountFromKeys(identity, seed []byte, nextOneTimeKey uint32) (*Account, error) {
	identityPublic, err := publicKey(identity)
	if err != nil {
		secret.Zero(identity)
		secret.Zero(seed)
		return nil, fmt.Errorf("olm: deriving identity public key: %w", err)
	}
	signingPublic := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	identityBuffer, err := secret.NewFromBytes(identity)
	if err != nil {
		secret.Zero(seed)
		return nil, fmt.Errorf("olm: protecting identity key: %w", err)
	}
	seedBuffer, err := secret.NewFromBytes(seed)
	if err != nil {
		identityBuffer.Close()
		return nil, fmt.Errorf("olm: protecting signing key: %w", err)
	}
	return &Account{
		identity:       identityBuffer,
		identityPublic: identityPublic,
		signingSeed:    seedBuffer,
		signingPublic:  signingPublic,
		nextOneTimeKey: nextOneTimeKey,
	}, nil
}

// IdentityKeys returns the unpadded base64 Curve25519 identity key and
// Ed25519 fingerprint key.
func (a *Account) IdentityKeys() (curve25519Key, ed25519Key string) {
	return encodeKey(a.identityPublic), base64.RawStdEncoding.EncodeToString(a.signingPublic)
}

// Sign returns the unpadded base64 Ed25519 signature of message.
func (a *Account) Sign(message []byte) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	signature := ed25519.Sign(ed25519.NewKeyFromSeed(a.signingSeed.Bytes()), message)
	return base64.RawStdEncoding.EncodeToString(signature)
}

// signJSON signs the canonical JSON of v. v must not carry signatures
// or unsigned fields.
func (a *Account) signJSON(v any) (string, error) {
	canonical, err := codec.CanonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("olm: canonicalizing signed object: %w", err)
	}
	return a.Sign(canonical), nil
}

// SignedDeviceKeys returns the device-key object for /keys/upload,
// signed with the account's Ed25519 key.
func (a *Account) SignedDeviceKeys(user ref.UserID, device ref.DeviceID) (messaging.DeviceKeys, error) {
	curveKey, edKey := a.IdentityKeys()
	keys := messaging.DeviceKeys{
		UserID:     user.String(),
		DeviceID:   device.String(),
		Algorithms: []string{messaging.AlgorithmOlm, messaging.AlgorithmMegolm},
		Keys: map[string]string{
			device.KeyID(messaging.KeyTypeCurve25519): curveKey,
			device.KeyID(messaging.KeyTypeEd25519):    edKey,
		},
	}
	signature, err := a.signJSON(keys)
	if err != nil {
		return messaging.DeviceKeys{}, err
	}
	keys.Signatures = map[string]map[string]string{
		user.String(): {device.KeyID(messaging.KeyTypeEd25519): signature},
	}
	return keys, nil
}

// GenerateOneTimeKeys adds up to count unpublished one-time keys,
// never growing the unpublished pool past MaxOneTimeKeys. It returns
// the number generated.
func (a *Account) GenerateOneTimeKeys(random io.Reader, count int) (int, error) {
	if random == nil {
		random = rand.Reader
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	unpublished := 0
	for _, key := range a.oneTimeKeys {
		if !key.published {
			unpublished++
		}
	}
	count = min(count, MaxOneTimeKeys-unpublished)
	for range max(count, 0) {
		private := make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(random, private); err != nil {
			return 0, fmt.Errorf("olm: generating one-time key: %w", err)
		}
		public, err := publicKey(private)
		if err != nil {
			return 0, fmt.Errorf("olm: deriving one-time public key: %w", err)
		}
		a.oneTimeKeys = append(a.oneTimeKeys, oneTimeKey{id: a.nextOneTimeKey, private: private, public: public})
		a.nextOneTimeKey++
	}
	return max(count, 0), nil
}

// OneTimeKeysForUpload returns every unpublished one-time key as a
// signed_curve25519 object keyed "signed_curve25519:<id>".
func (a *Account) OneTimeKeysForUpload(user ref.UserID, device ref.DeviceID) (map[string]messaging.SignedKey, error) {
	a.mu.Lock()
	var pending []oneTimeKey
	for _, key := range a.oneTimeKeys {
		if !key.published {
			pending = append(pending, key)
		}
	}
	a.mu.Unlock()

	upload := make(map[string]messaging.SignedKey, len(pending))
	for _, key := range pending {
		signed := messaging.SignedKey{Key: encodeKey(key.public)}
		signature, err := a.signJSON(signed)
		if err != nil {
			return nil, err
		}
		signed.Signatures = map[string]map[string]string{
			user.String(): {device.KeyID(messaging.KeyTypeEd25519): signature},
		}
		upload[messaging.KeyTypeSignedCurve25519+":"+keyID(key.id)] = signed
	}
	return upload, nil
}

// MarkKeysPublished flags every current one-time key as uploaded.
func (a *Account) MarkKeysPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.oneTimeKeys {
		a.oneTimeKeys[i].published = true
	}
}

// UnpublishedCount returns the number of one-time keys not yet
// uploaded.
func (a *Account) UnpublishedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, key := range a.oneTimeKeys {
		if !key.published {
			count++
		}
	}
	return count
}

// x25519 runs ECDH with the identity key.
func (a *Account) x25519(point []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return curve25519.X25519(a.identity.Bytes(), point)
}

// Close zeroes every private key. The account is unusable afterwards.
func (a *Account) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	for _, key := range a.oneTimeKeys {
		secret.Zero(key.private)
	}
	a.oneTimeKeys = nil
	identityErr := a.identity.Close()
	seedErr := a.signingSeed.Close()
	if identityErr != nil {
		return identityErr
	}
	return seedErr
}

// keyID is the unpadded base64 of the big-endian counter.
func keyID(id uint32) string {
	return base64.RawStdEncoding.EncodeToString(binary.BigEndian.AppendUint32(nil, id))
}
