// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/e2ee/lib/bootstrap"
	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/command"
	"github.com/bureau-foundation/e2ee/lib/keystore"
	"github.com/bureau-foundation/e2ee/lib/olm"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/verification"
	"github.com/bureau-foundation/e2ee/messaging"
)

// homeserver is the part of *messaging.DirectSession the daemon uses
// beyond the bootstrapper and the sync loop.
type homeserver interface {
	bootstrap.KeyClient
	Devices(ctx context.Context) ([]messaging.Device, error)
	UploadKeys(ctx context.Context, request messaging.KeysUploadRequest) (map[string]int, error)
}

// toDeviceClient sends a batch of to-device messages keyed by user ID
// then device ID.
type toDeviceClient interface {
	SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]any) error
}

// toDeviceSender adapts the homeserver's batch to-device API to the
// coordinator's one-peer Sender.
type toDeviceSender struct {
	client toDeviceClient
}

func (s toDeviceSender) SendToDevice(ctx context.Context, eventType string, to ref.PeerDevice, content any) error {
	return s.client.SendToDevice(ctx, eventType, map[string]map[string]any{
		to.User.String(): {to.Device.String(): content},
	})
}

// daemon holds the wired components and reacts to sync responses.
type daemon struct {
	localUser   ref.UserID
	localDevice ref.DeviceID
	peers       []ref.UserID
	oneTimeKeys int

	homeserver   homeserver
	engine       *olm.Engine
	bootstrapper *bootstrap.Bootstrapper
	coordinator  *verification.Coordinator
	verified     *keystore.Verified
	registry     *command.Registry

	clock  clock.Clock
	logger *slog.Logger
}

// handleSync dispatches one /sync response. It never fails: every
// problem is logged and the next response is processed normally.
func (d *daemon) handleSync(ctx context.Context, response *messaging.SyncResponse) {
	for _, event := range response.ToDevice.Events {
		if !verification.IsVerificationEvent(event.Type) {
			d.logger.Debug("ignoring to-device event", "type", event.Type, "sender", event.Sender)
			continue
		}
		d.coordinator.HandleEvent(ctx, event.Sender, event.Type, event.Content)
	}

	for _, raw := range response.DeviceLists.Left {
		user, err := ref.ParseUserID(raw)
		if err != nil {
			d.logger.Warn("ignoring invalid user in device_lists.left", "user_id", raw, "error", err)
			continue
		}
		if removed := d.bootstrapper.Forget(user); removed > 0 {
			d.logger.Info("forgot devices of departed user", "user_id", raw, "devices", removed)
		}
	}

	if changed := d.changedPeers(response.DeviceLists.Changed); len(changed) > 0 {
		if created := d.bootstrapper.EnsureSessions(ctx, changed); created > 0 {
			d.save(ctx)
		}
	}

	if count, ok := response.DeviceOneTimeKeysCount[messaging.KeyTypeSignedCurve25519]; ok && count < d.oneTimeKeys/2 {
		if err := d.uploadKeys(ctx, false, count); err != nil {
			d.logger.Error("one-time key upload failed", "error", err)
		}
	}
}

// changedPeers returns the configured peers named in a
// device_lists.changed list.
func (d *daemon) changedPeers(changed []string) []ref.UserID {
	var peers []ref.UserID
	for _, raw := range changed {
		for _, peer := range d.peers {
			if peer.String() == raw {
				peers = append(peers, peer)
				break
			}
		}
	}
	return peers
}

// uploadKeys tops the server's one-time key pool up to the configured
// size, given the server's current count, and publishes the device
// keys when withDeviceKeys is set.
func (d *daemon) uploadKeys(ctx context.Context, withDeviceKeys bool, serverCount int) error {
	account := d.engine.Account()
	if _, err := account.GenerateOneTimeKeys(nil, d.oneTimeKeys-serverCount-account.UnpublishedCount()); err != nil {
		return err
	}
	oneTimeKeys, err := account.OneTimeKeysForUpload(d.localUser, d.localDevice)
	if err != nil {
		return err
	}
	request := messaging.KeysUploadRequest{OneTimeKeys: oneTimeKeys}
	if withDeviceKeys {
		deviceKeys, err := account.SignedDeviceKeys(d.localUser, d.localDevice)
		if err != nil {
			return err
		}
		request.DeviceKeys = &deviceKeys
	}
	if request.DeviceKeys == nil && len(request.OneTimeKeys) == 0 {
		return nil
	}

	counts, err := d.homeserver.UploadKeys(ctx, request)
	if err != nil {
		return fmt.Errorf("uploading keys: %w", err)
	}
	account.MarkKeysPublished()
	d.logger.Info("keys uploaded",
		"device_keys", withDeviceKeys,
		"one_time_keys", len(oneTimeKeys),
		"server_count", counts[messaging.KeyTypeSignedCurve25519],
	)
	d.save(ctx)
	return nil
}

// onVerified records a newly verified device in the registry.
func (d *daemon) onVerified(ctx context.Context, session verification.Session) {
	edKey, _ := d.bootstrapper.Ed25519(session.Peer)
	err := d.verified.Mark(ctx, keystore.VerifiedDevice{
		Peer:          session.Peer,
		Ed25519:       edKey,
		TransactionID: session.TransactionID,
		VerifiedAt:    d.clock.Now(),
	})
	if err != nil {
		d.logger.Error("recording verified device failed",
			"user_id", session.Peer.User.String(),
			"device_id", session.Peer.Device.String(),
			"error", err,
		)
		return
	}
	d.logger.Info("device verified",
		"user_id", session.Peer.User.String(),
		"device_id", session.Peer.Device.String(),
		"transaction_id", session.TransactionID,
	)
}

// save persists the olm account. Engines without a store are skipped.
func (d *daemon) save(ctx context.Context) {
	err := d.engine.Save(ctx)
	if err != nil && !errors.Is(err, olm.ErrNotPersistent) {
		d.logger.Error("saving olm account failed", "error", err)
	}
}
