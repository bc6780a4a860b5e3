// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/messaging"
)

// Syncer performs one /sync request. *messaging.DirectSession
// satisfies it.
type Syncer interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
}

// idleCloser is implemented by syncers that pool HTTP connections.
type idleCloser interface {
	CloseIdleConnections()
}

// Sync loop defaults.
const (
	DefaultSyncTimeoutMS = 30000
	DefaultMaxBackoff    = 30 * time.Second
	initialBackoff       = time.Second
)

// SyncConfig configures the /sync long-poll loop.
type SyncConfig struct {
	// Filter is the inline JSON filter sent with every poll.
	Filter string

	// Timeout is the long-poll timeout in milliseconds. Zero means
	// DefaultSyncTimeoutMS.
	Timeout int

	// MaxBackoff caps the doubling retry delay after failed polls.
	// Zero means DefaultMaxBackoff.
	MaxBackoff time.Duration
}

// SyncHandler is called for each /sync response. The next poll starts
// after it returns.
type SyncHandler func(ctx context.Context, response *messaging.SyncResponse)

// ToDeviceFilter drops room timelines, state, presence and account
// data. to_device, device_lists and one-time key counts are not
// filterable and always arrive.
const ToDeviceFilter = `{"room":{"rooms":[]},"presence":{"types":[]},"account_data":{"types":[]}}`

// InitialSync performs the first /sync with no since token and returns
// the next_batch token along with the snapshot. The server answers
// without long-polling.
func InitialSync(ctx context.Context, syncer Syncer, filter string) (string, *messaging.SyncResponse, error) {
	response, err := syncer.Sync(ctx, messaging.SyncOptions{Filter: filter})
	if err != nil {
		return "", nil, fmt.Errorf("initial sync: %w", err)
	}
	return response.NextBatch, response, nil
}

// backoff is the retry delay between failed polls: it doubles from one
// second up to max and resets after a success.
type backoff struct {
	current time.Duration
	max     time.Duration
}

// next returns the delay before the next attempt. A server-requested
// retry delay longer than the current step wins.
func (b *backoff) next(err error) time.Duration {
	delay := b.current
	if hint := messaging.RetryAfter(err); hint > delay {
		delay = hint
	}
	b.current = min(b.current*2, b.max)
	return delay
}

func (b *backoff) reset() { b.current = initialBackoff }

// RunSyncLoop long-polls /sync from sinceToken and calls handler for
// each response until ctx is done, which returns nil. Failed polls are
// retried with backoff after dropping pooled connections. A revoked
// access token ends the loop with an error, since no retry can succeed.
func RunSyncLoop(ctx context.Context, syncer Syncer, config SyncConfig, sinceToken string, handler SyncHandler, clk clock.Clock, logger *slog.Logger) error {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultSyncTimeoutMS
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = DefaultMaxBackoff
	}
	retry := backoff{max: maxBackoff}
	retry.reset()

	for ctx.Err() == nil {
		response, err := syncer.Sync(ctx, messaging.SyncOptions{
			Since:      sinceToken,
			Timeout:    timeout,
			SetTimeout: true,
			Filter:     config.Filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
				return fmt.Errorf("sync stopped: %w", err)
			}
			delay := retry.next(err)
			level := slog.LevelWarn
			if !messaging.IsTransient(err) {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "sync failed, retrying", "error", err, "backoff", delay)
			if closer, ok := syncer.(idleCloser); ok {
				closer.CloseIdleConnections()
			}
			select {
			case <-ctx.Done():
				return nil
			case <-clk.After(delay):
			}
			continue
		}

		retry.reset()
		sinceToken = response.NextBatch
		handler(ctx, response)
	}
	return nil
}
