// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/keystore"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/sealed"
	"github.com/bureau-foundation/e2ee/lib/secret"
)

const rootInfo = "OLM_ROOT"

// Session is an outbound pairwise session. The root and chain keys
// stay inside the package.
type Session struct {
	ID               string
	Peer             ref.PeerDevice
	TheirIdentityKey string
	TheirOneTimeKey  string
	BaseKey          string
	CreatedAt        time.Time

	rootKey  []byte
	chainKey []byte
}

// Config configures an Engine.
type Config struct {
	// Store and PickleKey enable Save and loading in Open. PickleKey
	// is an age X25519 identity; pickles are sealed to its recipient.
	Store     keystore.Store
	PickleKey *secret.Buffer

	Clock  clock.Clock
	Random io.Reader
	Logger *slog.Logger
}

// Engine owns the account and the outbound session table.
type Engine struct {
	account *Account
	store   keystore.Store
	sealer  *sealed.Identity
	clock   clock.Clock
	random  io.Reader
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[ref.PeerDevice]*Session

	locksMu   sync.Mutex
	peerLocks map[ref.PeerDevice]*sync.Mutex
}

// Open loads the pickled engine from the store, or creates a fresh
// account when there is no pickle or no store. The bool reports a
// fresh account, whose keys still need uploading.
func Open(ctx context.Context, config Config) (*Engine, bool, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Random == nil {
		config.Random = rand.Reader
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	engine := &Engine{
		store:     config.Store,
		clock:     config.Clock,
		random:    config.Random,
		logger:    config.Logger,
		sessions:  make(map[ref.PeerDevice]*Session),
		peerLocks: make(map[ref.PeerDevice]*sync.Mutex),
	}
	if config.PickleKey != nil {
		sealer, err := sealed.ParseIdentity(config.PickleKey)
		if err != nil {
			return nil, false, fmt.Errorf("olm: pickle key: %w", err)
		}
		engine.sealer = sealer
	}

	if engine.persistent() {
		loaded, err := engine.load(ctx)
		if err != nil {
			return nil, false, err
		}
		if loaded {
			curveKey, _ := engine.account.IdentityKeys()
			engine.logger.Info("olm account loaded",
				"curve25519", curveKey,
				"sessions", len(engine.sessions),
			)
			return engine, false, nil
		}
	}

	account, err := NewAccount(config.Random)
	if err != nil {
		return nil, false, err
	}
	engine.account = account
	curveKey, _ := account.IdentityKeys()
	engine.logger.Info("olm account created", "curve25519", curveKey, "persistent", engine.persistent())
	return engine, true, nil
}

func (e *Engine) persistent() bool {
	return e.store != nil && e.sealer != nil
}

// Account returns the engine's account.
func (e *Engine) Account() *Account {
	return e.account
}

// HasSession reports whether an outbound session with peer exists.
func (e *Engine) HasSession(peer ref.PeerDevice) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.sessions[peer]
	return ok
}

func (e *Engine) peerLock(peer ref.PeerDevice) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.peerLocks[peer]
	if !ok {
		lock = &sync.Mutex{}
		e.peerLocks[peer] = lock
	}
	return lock
}

// CreateOutboundSession runs the triple Diffie-Hellman with peer's
// identity key and a claimed one-time key. It returns false with a nil
// error when a session with peer already exists.
func (e *Engine) CreateOutboundSession(peer ref.PeerDevice, identityKey, oneTimeKey string) (bool, error) {
	lock := e.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	if e.HasSession(peer) {
		return false, nil
	}

	theirIdentity, err := decodeKey(identityKey)
	if err != nil {
		return false, fmt.Errorf("olm: identity key of %s: %w", peer, err)
	}
	theirOneTime, err := decodeKey(oneTimeKey)
	if err != nil {
		return false, fmt.Errorf("olm: one-time key of %s: %w", peer, err)
	}

	base := make([]byte, curve25519.ScalarSize)
	defer secret.Zero(base)
	if _, err := io.ReadFull(e.random, base); err != nil {
		return false, fmt.Errorf("olm: generating base key: %w", err)
	}
	basePublic, err := publicKey(base)
	if err != nil {
		return false, fmt.Errorf("olm: deriving base key: %w", err)
	}

	first, err := e.account.x25519(theirOneTime)
	if err != nil {
		return false, fmt.Errorf("olm: identity/one-time agreement with %s: %w", peer, err)
	}
	second, err := curve25519.X25519(base, theirIdentity)
	if err != nil {
		return false, fmt.Errorf("olm: base/identity agreement with %s: %w", peer, err)
	}
	third, err := curve25519.X25519(base, theirOneTime)
	if err != nil {
		return false, fmt.Errorf("olm: base/one-time agreement with %s: %w", peer, err)
	}
	shared := slices.Concat(first, second, third)
	defer secret.Zero(shared)
	secret.Zero(first)
	secret.Zero(second)
	secret.Zero(third)

	keys := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(rootInfo)), keys); err != nil {
		return false, fmt.Errorf("olm: deriving root key: %w", err)
	}

	session := &Session{
		ID:               sessionID(e.account.identityPublic, basePublic, theirIdentity, theirOneTime),
		Peer:             peer,
		TheirIdentityKey: identityKey,
		TheirOneTimeKey:  oneTimeKey,
		BaseKey:          encodeKey(basePublic),
		CreatedAt:        e.clock.Now(),
		rootKey:          keys[:32],
		chainKey:         keys[32:],
	}
	e.mu.Lock()
	e.sessions[peer] = session
	e.mu.Unlock()
	return true, nil
}

// sessionID is the unpadded base64 BLAKE3 hash of the four public keys
// that went into the agreement.
func sessionID(keys ...[]byte) string {
	hasher := blake3.New()
	for _, key := range keys {
		hasher.Write(key)
	}
	return base64.RawStdEncoding.EncodeToString(hasher.Sum(nil))
}

// Sessions returns every outbound session without key material,
// sorted by peer.
func (e *Engine) Sessions() []Session {
	e.mu.RLock()
	sessions := make([]Session, 0, len(e.sessions))
	for _, session := range e.sessions {
		view := *session
		view.rootKey = nil
		view.chainKey = nil
		sessions = append(sessions, view)
	}
	e.mu.RUnlock()
	slices.SortFunc(sessions, func(a, b Session) int { return a.Peer.Compare(b.Peer) })
	return sessions
}

// ForgetSessions drops every session with a device of user. It returns
// the number removed.
func (e *Engine) ForgetSessions(user ref.UserID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for peer, session := range e.sessions {
		if peer.User == user {
			secret.Zero(session.rootKey)
			secret.Zero(session.chainKey)
			delete(e.sessions, peer)
			removed++
		}
	}
	return removed
}

// Close zeroes the session keys and the account.
func (e *Engine) Close() error {
	e.mu.Lock()
	for peer, session := range e.sessions {
		secret.Zero(session.rootKey)
		secret.Zero(session.chainKey)
		delete(e.sessions, peer)
	}
	e.mu.Unlock()
	return e.account.Close()
}
