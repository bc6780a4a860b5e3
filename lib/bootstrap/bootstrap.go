// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

// DefaultConcurrency bounds parallel per-user key queries.
const DefaultConcurrency = 4

// KeyClient is the part of the homeserver client the bootstrapper
// needs. *messaging.DirectSession implements it.
type KeyClient interface {
	QueryKeys(ctx context.Context, request messaging.KeysQueryRequest) (*messaging.KeysQueryResponse, error)
	ClaimKeys(ctx context.Context, request messaging.KeysClaimRequest) (*messaging.KeysClaimResponse, error)
}

// Engine creates and tracks outbound Olm sessions.
type Engine interface {
	HasSession(peer ref.PeerDevice) bool
	// CreateOutboundSession returns false with a nil error when a
	// session with peer already exists.
	CreateOutboundSession(peer ref.PeerDevice, identityKey, oneTimeKey string) (bool, error)
}

// IdentityKeySet is a device's published public identity keys.
type IdentityKeySet struct {
	Curve25519 string `json:"curve25519"`
	Ed25519    string `json:"ed25519"`
}

// Config configures a Bootstrapper.
type Config struct {
	Client      KeyClient
	Engine      Engine
	LocalUser   ref.UserID
	LocalDevice ref.DeviceID
	Concurrency int
	// ClaimTimeout is passed to the homeserver as the federation
	// timeout for key queries and claims. Zero leaves it to the server.
	ClaimTimeout time.Duration
	Logger       *slog.Logger
}

// Bootstrapper ensures Olm sessions exist with peer devices and caches
// their identity keys.
type Bootstrapper struct {
	client       KeyClient
	engine       Engine
	local        ref.PeerDevice
	concurrency  int
	claimTimeout time.Duration
	logger       *slog.Logger

	mu         sync.RWMutex
	identities map[ref.PeerDevice]IdentityKeySet
}

// New returns a Bootstrapper with an empty identity cache.
func New(config Config) (*Bootstrapper, error) {
	if config.Client == nil {
		return nil, errors.New("bootstrap: Client is required")
	}
	if config.Engine == nil {
		return nil, errors.New("bootstrap: Engine is required")
	}
	if config.LocalUser.IsZero() || config.LocalDevice.IsZero() {
		return nil, errors.New("bootstrap: LocalUser and LocalDevice are required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Bootstrapper{
		client:       config.Client,
		engine:       config.Engine,
		local:        ref.PeerDevice{User: config.LocalUser, Device: config.LocalDevice},
		concurrency:  config.Concurrency,
		claimTimeout: config.ClaimTimeout,
		logger:       config.Logger,
		identities:   make(map[ref.PeerDevice]IdentityKeySet),
	}, nil
}

// EnsureSessions makes sure every device of users, other than the
// local device, has an outbound Olm session. It returns the number of
// sessions created by this call. Failures are logged per user or per
// device and never abort the rest of the batch.
func (b *Bootstrapper) EnsureSessions(ctx context.Context, users []ref.UserID) int {
	users = dedupe(users)
	if len(users) == 0 {
		return 0
	}

	devices := b.queryUsers(ctx, users)

	var work []ref.PeerDevice
	for _, user := range users {
		for _, peer := range devices[user] {
			if peer == b.local || b.engine.HasSession(peer) {
				continue
			}
			work = append(work, peer)
		}
	}
	if len(work) == 0 {
		b.logger.Debug("all peer devices have sessions", "users", len(users))
		return 0
	}

	claimed, err := b.claim(ctx, work)
	if err != nil {
		b.logger.Warn("one-time key claim failed", "devices", len(work), "error", err)
		return 0
	}

	created := 0
	for _, peer := range work {
		oneTimeKey, ok := claimed[peer]
		if !ok {
			b.logger.Warn("no one-time key claimed for device", "peer", peer.String())
			continue
		}
		identity, ok := b.IdentityKeys(peer)
		if !ok {
			identity, ok = b.queryDevice(ctx, peer)
			if !ok {
				continue
			}
		}
		fresh, err := b.engine.CreateOutboundSession(peer, identity.Curve25519, oneTimeKey)
		if err != nil {
			b.logger.Warn("creating olm session failed", "peer", peer.String(), "error", err)
			continue
		}
		if fresh {
			created++
			b.logger.Info("olm session created", "peer", peer.String())
		}
	}
	b.logger.Info("session bootstrap finished",
		"users", len(users),
		"candidates", len(work),
		"created", created,
	)
	return created
}

// queryUsers runs one key query per user, bounded by the configured
// concurrency, and returns each user's devices that published a
// usable identity key.
func (b *Bootstrapper) queryUsers(ctx context.Context, users []ref.UserID) map[ref.UserID][]ref.PeerDevice {
	var (
		mu      sync.Mutex
		devices = make(map[ref.UserID][]ref.PeerDevice, len(users))
		group   errgroup.Group
	)
	group.SetLimit(b.concurrency)
	for _, user := range users {
		group.Go(func() error {
			response, err := b.client.QueryKeys(ctx, messaging.KeysQueryRequest{
				DeviceKeys: map[string][]string{user.String(): {}},
				Timeout:    b.timeoutMS(),
			})
			if err != nil {
				b.logger.Warn("device key query failed", "user_id", user.String(), "error", err)
				return nil
			}
			// Remote users' keys come over federation; the failure
			// is keyed by their server, and the device list may be
			// stale or empty.
			if _, failed := response.Failures[user.Server()]; failed {
				b.logger.Warn("homeserver could not reach the user's server for device keys",
					"user_id", user.String(),
					"server", user.Server(),
				)
			}
			peers := b.cacheResponse(user, response)
			mu.Lock()
			devices[user] = peers
			mu.Unlock()
			return nil
		})
	}
	// Every goroutine returns nil; failures are per user.
	_ = group.Wait()
	return devices
}

// queryDevice is the fallback for a claimed device whose identity key
// is not cached.
func (b *Bootstrapper) queryDevice(ctx context.Context, peer ref.PeerDevice) (IdentityKeySet, bool) {
	response, err := b.client.QueryKeys(ctx, messaging.KeysQueryRequest{
		DeviceKeys: map[string][]string{peer.User.String(): {peer.Device.String()}},
		Timeout:    b.timeoutMS(),
	})
	if err != nil {
		b.logger.Warn("fallback device key query failed", "peer", peer.String(), "error", err)
		return IdentityKeySet{}, false
	}
	b.cacheResponse(peer.User, response)
	identity, ok := b.IdentityKeys(peer)
	if !ok {
		b.logger.Warn("device has no identity key", "peer", peer.String())
	}
	return identity, ok
}

// cacheResponse stores the identity keys of user's devices from a
// query response and returns those devices, sorted.
func (b *Bootstrapper) cacheResponse(user ref.UserID, response *messaging.KeysQueryResponse) []ref.PeerDevice {
	var peers []ref.PeerDevice
	for deviceID, keys := range response.DeviceKeys[user.String()] {
		device, err := ref.ParseDeviceID(deviceID)
		if err != nil {
			b.logger.Warn("ignoring device with invalid ID", "user_id", user.String(), "device_id", deviceID, "error", err)
			continue
		}
		if keys.UserID != user.String() || keys.DeviceID != deviceID {
			b.logger.Warn("ignoring device keys published under the wrong identity",
				"user_id", user.String(),
				"device_id", deviceID,
				"claimed_user_id", keys.UserID,
				"claimed_device_id", keys.DeviceID,
			)
			continue
		}
		identity := IdentityKeySet{Curve25519: keys.Curve25519(), Ed25519: keys.Ed25519()}
		if identity.Curve25519 == "" {
			b.logger.Warn("device published no curve25519 key", "user_id", user.String(), "device_id", deviceID)
			continue
		}
		peer := ref.PeerDevice{User: user, Device: device}
		b.storeIdentity(peer, identity)
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, ref.PeerDevice.Compare)
	return peers
}

func (b *Bootstrapper) storeIdentity(peer ref.PeerDevice, identity IdentityKeySet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if previous, ok := b.identities[peer]; ok && previous != identity {
		b.logger.Warn("device identity keys changed",
			"peer", peer.String(),
			"previous_curve25519", previous.Curve25519,
			"curve25519", identity.Curve25519,
			"previous_ed25519", previous.Ed25519,
			"ed25519", identity.Ed25519,
		)
	}
	b.identities[peer] = identity
}

// claim issues one claim covering every device in work and returns the
// first usable signed_curve25519 key per device.
func (b *Bootstrapper) claim(ctx context.Context, work []ref.PeerDevice) (map[ref.PeerDevice]string, error) {
	request := messaging.KeysClaimRequest{
		OneTimeKeys: make(map[string]map[string]string),
		Timeout:     b.timeoutMS(),
	}
	for _, peer := range work {
		user := peer.User.String()
		if request.OneTimeKeys[user] == nil {
			request.OneTimeKeys[user] = make(map[string]string)
		}
		request.OneTimeKeys[user][peer.Device.String()] = messaging.KeyTypeSignedCurve25519
	}

	response, err := b.client.ClaimKeys(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: claiming %d one-time keys: %w", len(work), err)
	}
	for server := range response.Failures {
		b.logger.Warn("one-time key claim failed for server", "server", server)
	}

	claimed := make(map[ref.PeerDevice]string, len(work))
	for _, peer := range work {
		keys := response.OneTimeKeys[peer.User.String()][peer.Device.String()]
		keyIDs := make([]string, 0, len(keys))
		for keyID := range keys {
			if strings.HasPrefix(keyID, messaging.KeyTypeSignedCurve25519+":") {
				keyIDs = append(keyIDs, keyID)
			}
		}
		slices.Sort(keyIDs)
		for _, keyID := range keyIDs {
			key, err := messaging.ParseOneTimeKey(keys[keyID])
			if err != nil {
				b.logger.Warn("unusable one-time key", "peer", peer.String(), "key_id", keyID, "error", err)
				continue
			}
			claimed[peer] = key.Key
			break
		}
	}
	return claimed, nil
}

func (b *Bootstrapper) timeoutMS() int {
	return int(b.claimTimeout / time.Millisecond)
}

// IdentityKeys returns the cached identity keys of peer.
func (b *Bootstrapper) IdentityKeys(peer ref.PeerDevice) (IdentityKeySet, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	identity, ok := b.identities[peer]
	return identity, ok
}

// Ed25519 returns the cached Ed25519 key of peer, in the shape the
// verification coordinator's DeviceKeys hook expects.
func (b *Bootstrapper) Ed25519(peer ref.PeerDevice) (string, bool) {
	identity, ok := b.IdentityKeys(peer)
	if !ok || identity.Ed25519 == "" {
		return "", false
	}
	return identity.Ed25519, true
}

// KnownDevices returns every device with cached identity keys, sorted.
func (b *Bootstrapper) KnownDevices() []ref.PeerDevice {
	b.mu.RLock()
	peers := make([]ref.PeerDevice, 0, len(b.identities))
	for peer := range b.identities {
		peers = append(peers, peer)
	}
	b.mu.RUnlock()
	slices.SortFunc(peers, ref.PeerDevice.Compare)
	return peers
}

// Forget drops the cached identity keys of every device of user.
func (b *Bootstrapper) Forget(user ref.UserID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for peer := range b.identities {
		if peer.User == user {
			delete(b.identities, peer)
			removed++
		}
	}
	return removed
}

func dedupe(users []ref.UserID) []ref.UserID {
	seen := make(map[ref.UserID]bool, len(users))
	var unique []ref.UserID
	for _, user := range users {
		if user.IsZero() || seen[user] {
			continue
		}
		seen[user] = true
		unique = append(unique, user)
	}
	return unique
}
