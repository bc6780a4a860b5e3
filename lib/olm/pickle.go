// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/e2ee/lib/codec"
	"github.com/bureau-foundation/e2ee/lib/keystore"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/secret"
)

// PickleStoreKey is the keystore key holding the sealed engine pickle.
const PickleStoreKey = "olm/account"

const pickleVersion = 1

// ErrNotPersistent is returned by Save on an engine opened without a
// store or pickle key.
var ErrNotPersistent = errors.New("olm: engine has no store or pickle key")

type enginePickle struct {
	Version        int                `cbor:"version"`
	Identity       []byte             `cbor:"identity"`
	SigningSeed    []byte             `cbor:"signing_seed"`
	NextOneTimeKey uint32             `cbor:"next_one_time_key"`
	OneTimeKeys    []oneTimeKeyPickle `cbor:"one_time_keys,omitempty"`
	Sessions       []sessionPickle    `cbor:"sessions,omitempty"`
}

type oneTimeKeyPickle struct {
	ID        uint32 `cbor:"id"`
	Private   []byte `cbor:"private"`
	Published bool   `cbor:"published"`
}

type sessionPickle struct {
	ID               string         `cbor:"id"`
	Peer             ref.PeerDevice `cbor:"peer"`
	TheirIdentityKey string         `cbor:"their_identity_key"`
	TheirOneTimeKey  string         `cbor:"their_one_time_key"`
	BaseKey          string         `cbor:"base_key"`
	CreatedAt        time.Time      `cbor:"created_at"`
	RootKey          []byte         `cbor:"root_key"`
	ChainKey         []byte         `cbor:"chain_key"`
}

// zero clears every private field in place.
func (p *enginePickle) zero() {
	secret.Zero(p.Identity)
	secret.Zero(p.SigningSeed)
	for _, key := range p.OneTimeKeys {
		secret.Zero(key.Private)
	}
	for _, session := range p.Sessions {
		secret.Zero(session.RootKey)
		secret.Zero(session.ChainKey)
	}
}

// Save seals the account and sessions to the pickle key and writes them
// to the store.
func (e *Engine) Save(ctx context.Context) error {
	if !e.persistent() {
		return ErrNotPersistent
	}
	pickle := e.snapshot()
	defer pickle.zero()
	plaintext, err := codec.Marshal(pickle)
	if err != nil {
		return fmt.Errorf("olm: encoding pickle: %w", err)
	}
	ciphertext, err := e.sealer.Seal(plaintext)
	secret.Zero(plaintext)
	if err != nil {
		return fmt.Errorf("olm: sealing pickle: %w", err)
	}
	if err := e.store.Set(ctx, PickleStoreKey, ciphertext); err != nil {
		return fmt.Errorf("olm: storing pickle: %w", err)
	}
	e.logger.Debug("olm pickle saved",
		"one_time_keys", len(pickle.OneTimeKeys),
		"sessions", len(pickle.Sessions),
	)
	return nil
}

// snapshot copies every key the pickle needs. The caller zeroes it.
func (e *Engine) snapshot() *enginePickle {
	account := e.account
	account.mu.Lock()
	pickle := &enginePickle{
		Version:        pickleVersion,
		Identity:       clone(account.identity.Bytes()),
		SigningSeed:    clone(account.signingSeed.Bytes()),
		NextOneTimeKey: account.nextOneTimeKey,
	}
	for _, key := range account.oneTimeKeys {
		pickle.OneTimeKeys = append(pickle.OneTimeKeys, oneTimeKeyPickle{
			ID:        key.id,
			Private:   clone(key.private),
			Published: key.published,
		})
	}
	account.mu.Unlock()

	e.mu.RLock()
	for _, session := range e.sessions {
		pickle.Sessions = append(pickle.Sessions, sessionPickle{
			ID:               session.ID,
			Peer:             session.Peer,
			TheirIdentityKey: session.TheirIdentityKey,
			TheirOneTimeKey:  session.TheirOneTimeKey,
			BaseKey:          session.BaseKey,
			CreatedAt:        session.CreatedAt,
			RootKey:          clone(session.rootKey),
			ChainKey:         clone(session.chainKey),
		})
	}
	e.mu.RUnlock()
	return pickle
}

// load restores the engine from the store. It returns false when no
// pickle has been saved yet.
func (e *Engine) load(ctx context.Context) (bool, error) {
	ciphertext, err := e.store.Get(ctx, PickleStoreKey)
	if errors.Is(err, keystore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("olm: reading pickle: %w", err)
	}
	plaintext, err := e.sealer.Open(ciphertext)
	if err != nil {
		return false, fmt.Errorf("olm: opening pickle: %w", err)
	}
	defer plaintext.Close()

	var pickle enginePickle
	if err := codec.Unmarshal(plaintext.Bytes(), &pickle); err != nil {
		return false, fmt.Errorf("olm: decoding pickle: %w", err)
	}
	defer pickle.zero()
	if pickle.Version != pickleVersion {
		return false, fmt.Errorf("olm: unsupported pickle version %d", pickle.Version)
	}

	account, err := accountFromKeys(clone(pickle.Identity), clone(pickle.SigningSeed), pickle.NextOneTimeKey)
	if err != nil {
		return false, err
	}
	for _, key := range pickle.OneTimeKeys {
		private := clone(key.Private)
		public, err := publicKey(private)
		if err != nil {
			account.Close()
			return false, fmt.Errorf("olm: restoring one-time key %d: %w", key.ID, err)
		}
		account.oneTimeKeys = append(account.oneTimeKeys, oneTimeKey{
			id:        key.ID,
			private:   private,
			public:    public,
			published: key.Published,
		})
	}
	for _, stored := range pickle.Sessions {
		e.sessions[stored.Peer] = &Session{
			ID:               stored.ID,
			Peer:             stored.Peer,
			TheirIdentityKey: stored.TheirIdentityKey,
			TheirOneTimeKey:  stored.TheirOneTimeKey,
			BaseKey:          stored.BaseKey,
			CreatedAt:        stored.CreatedAt,
			rootKey:          clone(stored.RootKey),
			chainKey:         clone(stored.ChainKey),
		}
	}
	e.account = account
	return true, nil
}

func clone(data []byte) []byte {
	return append([]byte(nil), data...)
}
