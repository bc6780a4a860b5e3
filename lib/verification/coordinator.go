// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/sas"
)

// Defaults applied by NewCoordinator to zero Config fields.
const (
	DefaultRetention       = time.Hour
	DefaultTimeout         = 10 * time.Minute
	DefaultCollectInterval = time.Minute
)

// Sender delivers one to-device event to a single peer device.
type Sender interface {
	SendToDevice(ctx context.Context, eventType string, to ref.PeerDevice, content any) error
}

// Config configures a Coordinator.
type Config struct {
	LocalUser    ref.UserID
	LocalDevice  ref.DeviceID
	LocalEd25519 string

	Sender Sender
	Policy Policy
	Clock  clock.Clock

	// Retention is how long terminal sessions stay queryable.
	Retention time.Duration
	// Timeout cancels sessions with no progress for this long.
	// Negative disables timeouts.
	Timeout         time.Duration
	CollectInterval time.Duration

	EnforceCommitment bool

	// DeviceKeys returns the Ed25519 identity key of a peer device.
	// Without it peer MACs are accepted unchecked.
	DeviceKeys func(ref.PeerDevice) (string, bool)

	// OnVerified runs once when a session reaches VERIFIED. It runs
	// with the session locked and must not call back into the
	// Coordinator for the same transaction.
	OnVerified func(context.Context, Session)

	// NewTransactionID overrides transaction ID generation.
	NewTransactionID func() string
	// Random overrides the entropy source for ephemeral keys.
	Random io.Reader

	Logger *slog.Logger
}

// Coordinator owns the table of verification sessions and serializes
// all changes to each one. Operations on different transactions run
// concurrently.
type Coordinator struct {
	machine          Machine
	sender           Sender
	clock            clock.Clock
	retention        time.Duration
	timeout          time.Duration
	collectInterval  time.Duration
	deviceKeys       func(ref.PeerDevice) (string, bool)
	onVerified       func(context.Context, Session)
	newTransactionID func() string
	logger           *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// entry guards one session. removed is set, under mu, when the entry
// leaves the table; a goroutine that locked a removed entry retries
// the lookup.
type entry struct {
	mu      sync.Mutex
	session Session
	removed bool
}

// NewCoordinator validates config and returns an empty Coordinator.
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.LocalUser.IsZero() {
		return nil, errors.New("verification: LocalUser is required")
	}
	if config.LocalDevice.IsZero() {
		return nil, errors.New("verification: LocalDevice is required")
	}
	if config.Sender == nil {
		return nil, errors.New("verification: Sender is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.CollectInterval <= 0 {
		config.CollectInterval = DefaultCollectInterval
	}
	if config.NewTransactionID == nil {
		config.NewTransactionID = uuid.NewString
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Coordinator{
		machine: Machine{
			LocalUser:         config.LocalUser,
			LocalDevice:       config.LocalDevice,
			LocalEd25519:      config.LocalEd25519,
			Policy:            config.Policy,
			EnforceCommitment: config.EnforceCommitment,
			Random:            config.Random,
		},
		sender:           config.Sender,
		clock:            config.Clock,
		retention:        config.Retention,
		timeout:          config.Timeout,
		collectInterval:  config.CollectInterval,
		deviceKeys:       config.DeviceKeys,
		onVerified:       config.OnVerified,
		newTransactionID: config.NewTransactionID,
		logger:           config.Logger,
		sessions:         make(map[string]*entry),
	}, nil
}

// acquire returns the locked entry for transactionID, or nil.
func (c *Coordinator) acquire(transactionID string) *entry {
	for {
		c.mu.Lock()
		e, ok := c.sessions[transactionID]
		c.mu.Unlock()
		if !ok {
			return nil
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// acquireOrCreate returns the locked entry for transactionID, inserting
// an empty one if none exists.
func (c *Coordinator) acquireOrCreate(transactionID string) *entry {
	for {
		c.mu.Lock()
		e, ok := c.sessions[transactionID]
		if !ok {
			e = &entry{}
			e.mu.Lock()
			c.sessions[transactionID] = e
			c.mu.Unlock()
			return e
		}
		c.mu.Unlock()
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// remove drops a locked entry from the table.
func (c *Coordinator) remove(transactionID string, e *entry) {
	c.mu.Lock()
	if c.sessions[transactionID] == e {
		delete(c.sessions, transactionID)
	}
	e.removed = true
	c.mu.Unlock()
}

// apply runs one input against a locked entry and commits the steps.
// It returns the transition result and the first required send error.
func (c *Coordinator) apply(ctx context.Context, transactionID string, e *entry, input Input) (bool, error) {
	input.Now = c.clock.Now()
	if input.PeerEd25519 == "" && c.deviceKeys != nil && !e.session.Peer.IsZero() {
		if key, ok := c.deviceKeys(e.session.Peer); ok {
			input.PeerEd25519 = key
		}
	}

	previous := e.session.State
	transition := c.machine.Apply(e.session, input)
	for _, warning := range transition.Warnings {
		c.logger.Warn("verification: "+warning,
			"transaction_id", transactionID,
			"peer", e.session.Peer.String(),
		)
	}
	if len(transition.Steps) == 0 {
		if transition.Ignored != "" {
			c.logger.Debug("verification input ignored",
				"transaction_id", transactionID,
				"input", input.Kind.String(),
				"reason", transition.Ignored,
			)
		}
		if e.session.State == StateNone {
			c.remove(transactionID, e)
		}
		return transition.Result, nil
	}

	err := c.commit(ctx, e, transition.Steps)
	if e.session.State == StateNone {
		c.remove(transactionID, e)
	}
	if current := e.session.State; current != previous {
		c.logger.Info("verification state changed",
			"transaction_id", transactionID,
			"peer", e.session.Peer.String(),
			"from", previous.String(),
			"to", current.String(),
		)
		if current == StateCancelled {
			c.logger.Info("verification cancelled",
				"transaction_id", transactionID,
				"code", e.session.CancelCode,
				"reason", e.session.CancelReason,
				"by", e.session.CancelledBy,
			)
		}
		if current == StateVerified && c.onVerified != nil {
			c.onVerified(ctx, e.session.clone())
		}
	}
	if err != nil {
		return false, err
	}
	return transition.Result, nil
}

// commit applies steps in order. A failed required send leaves the
// session at the last committed step.
func (c *Coordinator) commit(ctx context.Context, e *entry, steps []Step) error {
	for _, step := range steps {
		if step.Send != nil {
			err := c.sender.SendToDevice(ctx, step.Send.Type, step.Send.To, step.Send.Content)
			if err != nil {
				c.logger.Error("sending verification event failed",
					"event_type", step.Send.Type,
					"transaction_id", step.Session.TransactionID,
					"peer", step.Send.To.String(),
					"best_effort", step.BestEffort,
					"error", err,
				)
				if !step.BestEffort {
					return fmt.Errorf("verification: sending %s to %s: %w", step.Send.Type, step.Send.To, err)
				}
			}
		}
		e.session = step.Session
	}
	return nil
}

// HandleEvent processes one verification to-device event from sender.
// It reports whether the event changed a session. Malformed events and
// events for unknown transactions are logged and dropped.
func (c *Coordinator) HandleEvent(ctx context.Context, sender, eventType string, content json.RawMessage) bool {
	senderID, err := ref.ParseUserID(sender)
	if err != nil {
		c.logger.Warn("verification event with invalid sender", "sender", sender, "event_type", eventType, "error", err)
		return false
	}
	decoded, err := DecodeContent(eventType, content)
	if err != nil {
		c.logger.Warn("dropping malformed verification event", "sender", sender, "event_type", eventType, "error", err)
		return false
	}
	return c.HandleContent(ctx, senderID, decoded)
}

// HandleContent is HandleEvent for already decoded content.
func (c *Coordinator) HandleContent(ctx context.Context, sender ref.UserID, content Content) bool {
	transactionID := content.Transaction()
	var e *entry
	switch content.(type) {
	case *RequestContent, *StartContent:
		e = c.acquireOrCreate(transactionID)
	default:
		e = c.acquire(transactionID)
	}
	if e == nil {
		c.logger.Warn("verification event for unknown transaction",
			"transaction_id", transactionID,
			"event_type", content.EventType(),
			"sender", sender.String(),
		)
		return false
	}
	defer e.mu.Unlock()
	ok, _ := c.apply(ctx, transactionID, e, Input{Kind: InputEvent, Sender: sender, Content: content})
	return ok
}

// StartVerification sends a request to peer and returns the new
// transaction ID. When the request cannot be sent no session is kept.
func (c *Coordinator) StartVerification(ctx context.Context, peer ref.PeerDevice) (string, error) {
	if peer.IsZero() {
		return "", errors.New("verification: peer user and device are required")
	}
	transactionID := c.newTransactionID()

	c.mu.Lock()
	if _, exists := c.sessions[transactionID]; exists {
		c.mu.Unlock()
		panic(fmt.Sprintf("verification: transaction ID %q generated twice", transactionID))
	}
	e := &entry{}
	e.mu.Lock()
	c.sessions[transactionID] = e
	c.mu.Unlock()
	defer e.mu.Unlock()

	_, err := c.apply(ctx, transactionID, e, Input{Kind: InputInitiate, Peer: peer, TransactionID: transactionID})
	if err != nil {
		return "", err
	}
	if e.session.State == StateNone {
		return "", fmt.Errorf("verification: request to %s was not created", peer)
	}
	c.logger.Info("verification requested", "transaction_id", transactionID, "peer", peer.String())
	return transactionID, nil
}

func (c *Coordinator) command(ctx context.Context, transactionID string, input Input) bool {
	e := c.acquire(transactionID)
	if e == nil {
		c.logger.Warn("verification command for unknown transaction",
			"transaction_id", transactionID,
			"command", input.Kind.String(),
		)
		return false
	}
	defer e.mu.Unlock()
	ok, _ := c.apply(ctx, transactionID, e, input)
	return ok
}

// AcceptVerification approves a request or start received from a peer.
func (c *Coordinator) AcceptVerification(ctx context.Context, transactionID string) bool {
	return c.command(ctx, transactionID, Input{Kind: InputAccept})
}

// GetSasCode returns the short authentication string once both
// ephemeral keys are known.
func (c *Coordinator) GetSasCode(transactionID string) (sas.Codes, bool) {
	e := c.acquire(transactionID)
	if e == nil {
		return sas.Codes{}, false
	}
	defer e.mu.Unlock()
	if e.session.Codes == nil {
		return sas.Codes{}, false
	}
	return *e.session.Codes, true
}

// ConfirmSasCode records that the operator compared code with the
// peer's display. A code that does not match changes nothing.
func (c *Coordinator) ConfirmSasCode(ctx context.Context, transactionID, code string) bool {
	return c.command(ctx, transactionID, Input{Kind: InputConfirm, Code: code})
}

// CompleteVerification finishes a session whose MACs have both been
// exchanged.
func (c *Coordinator) CompleteVerification(ctx context.Context, transactionID string) bool {
	return c.command(ctx, transactionID, Input{Kind: InputComplete})
}

// CancelVerification cancels a session with m.user. On a session that
// already ended it only records reason.
func (c *Coordinator) CancelVerification(ctx context.Context, transactionID, reason string) bool {
	return c.command(ctx, transactionID, Input{Kind: InputCancel, Reason: reason})
}

// GetStatus returns a snapshot of one session.
func (c *Coordinator) GetStatus(transactionID string) (Session, bool) {
	e := c.acquire(transactionID)
	if e == nil {
		return Session{}, false
	}
	defer e.mu.Unlock()
	return e.session.clone(), true
}

// ListVerifications returns snapshots of every session, oldest first.
func (c *Coordinator) ListVerifications() []Session {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		if session, ok := c.GetStatus(id); ok {
			sessions = append(sessions, session)
		}
	}
	slices.SortFunc(sessions, func(a, b Session) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.TransactionID, b.TransactionID)
	})
	return sessions
}

// CollectResult counts what one Collect pass did.
type CollectResult struct {
	Removed  int
	TimedOut int
}

// Collect removes terminal sessions older than the retention period
// and cancels sessions idle longer than the timeout.
func (c *Coordinator) Collect(ctx context.Context) CollectResult {
	now := c.clock.Now()
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var result CollectResult
	for _, id := range ids {
		e := c.acquire(id)
		if e == nil {
			continue
		}
		session := e.session
		idle := now.Sub(session.UpdatedAt)
		switch {
		case session.State.Terminal() && idle >= c.retention:
			if session.ephemeral != nil {
				session.ephemeral.Zero()
			}
			c.remove(id, e)
			result.Removed++
		case !session.State.Terminal() && c.timeout > 0 && idle >= c.timeout:
			c.apply(ctx, id, e, Input{Kind: InputTimeout})
			result.TimedOut++
		}
		e.mu.Unlock()
	}
	if result.Removed > 0 || result.TimedOut > 0 {
		c.logger.Info("verification sessions collected",
			"removed", result.Removed,
			"timed_out", result.TimedOut,
		)
	}
	return result
}

// Run calls Collect every collect interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.collectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
