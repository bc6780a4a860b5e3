// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bureau-foundation/e2ee/lib/command"
	"github.com/bureau-foundation/e2ee/lib/diagnostics"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/verification"
)

func (d *daemon) registerCommands() {
	r := d.registry
	r.Register("verify", "<user> <device>", "start verifying a peer device", d.cmdVerify)
	r.Register("accept", "<transaction>", "accept an incoming verification", d.cmdAccept)
	r.Register("sas", "<transaction>", "show the emoji and decimal codes", d.cmdSAS)
	r.Register("confirm", "<transaction> <code>", "confirm the codes match (decimal or emoji)", d.cmdConfirm)
	r.Register("complete", "<transaction>", "finish a verification whose MACs are exchanged", d.cmdComplete)
	r.Register("cancel", "<transaction> [reason]", "cancel a verification", d.cmdCancel)
	r.Register("status", "<transaction>", "show one verification", d.cmdStatus)
	r.Register("list", "", "list verifications", d.cmdList)
	r.Register("devices", "[user]", "list devices with cached identity keys", d.cmdDevices)
	r.Register("keys", "", "show this device's identity keys", d.cmdKeys)
	r.Register("sessions", "[forget <user>]", "list outbound olm sessions, or drop those with a user", d.cmdSessions)
	r.Register("report", "", "run diagnostics", d.cmdReport)
	r.Register("help", "", "list commands", func(context.Context, []string) (any, error) {
		return "commands:\n" + r.Help(), nil
	})
}

// refused is the error for a command the coordinator did not apply.
// The coordinator has already logged the reason.
func refused(action, transactionID string) error {
	return fmt.Errorf("%s %s: not applied; see the daemon log", action, transactionID)
}

func (d *daemon) cmdVerify(ctx context.Context, args []string) (any, error) {
	if len(args) != 2 {
		return nil, command.ErrUsage
	}
	peer, err := ref.NewPeerDevice(args[0], args[1])
	if err != nil {
		return nil, err
	}
	transactionID, err := d.coordinator.StartVerification(ctx, peer)
	if err != nil {
		return nil, err
	}
	return "verification started: " + transactionID, nil
}

func (d *daemon) cmdAccept(ctx context.Context, args []string) (any, error) {
	if len(args) != 1 {
		return nil, command.ErrUsage
	}
	if !d.coordinator.AcceptVerification(ctx, args[0]) {
		return nil, refused("accept", args[0])
	}
	return true, nil
}

func (d *daemon) cmdSAS(ctx context.Context, args []string) (any, error) {
	if len(args) != 1 {
		return nil, command.ErrUsage
	}
	codes, ok := d.coordinator.GetSasCode(args[0])
	if !ok {
		return nil, fmt.Errorf("no SAS codes for %s yet", args[0])
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "emoji:   %s\n", codes.Emoji)
	fmt.Fprintf(&builder, "         %s\n", codes.Descriptions())
	fmt.Fprintf(&builder, "decimal: %s", codes.Decimal)
	return builder.String(), nil
}

func (d *daemon) cmdConfirm(ctx context.Context, args []string) (any, error) {
	if len(args) < 2 {
		return nil, command.ErrUsage
	}
	// Unquoted emoji codes arrive as seven words.
	code := strings.Join(args[1:], " ")
	if !d.coordinator.ConfirmSasCode(ctx, args[0], code) {
		return nil, fmt.Errorf("code does not match for %s, or the verification cannot be confirmed", args[0])
	}
	return true, nil
}

func (d *daemon) cmdComplete(ctx context.Context, args []string) (any, error) {
	if len(args) != 1 {
		return nil, command.ErrUsage
	}
	if !d.coordinator.CompleteVerification(ctx, args[0]) {
		return nil, refused("complete", args[0])
	}
	return true, nil
}

func (d *daemon) cmdCancel(ctx context.Context, args []string) (any, error) {
	if len(args) < 1 {
		return nil, command.ErrUsage
	}
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = "cancelled by operator"
	}
	if !d.coordinator.CancelVerification(ctx, args[0], reason) {
		return nil, refused("cancel", args[0])
	}
	return true, nil
}

func (d *daemon) cmdStatus(ctx context.Context, args []string) (any, error) {
	if len(args) != 1 {
		return nil, command.ErrUsage
	}
	session, ok := d.coordinator.GetStatus(args[0])
	if !ok {
		return nil, fmt.Errorf("unknown verification %s", args[0])
	}
	return summarize(session), nil
}

func (d *daemon) cmdList(ctx context.Context, args []string) (any, error) {
	sessions := d.coordinator.ListVerifications()
	list := make(verificationList, 0, len(sessions))
	for _, session := range sessions {
		list = append(list, summarize(session))
	}
	return list, nil
}

func (d *daemon) cmdDevices(ctx context.Context, args []string) (any, error) {
	if len(args) > 1 {
		return nil, command.ErrUsage
	}
	var filter ref.UserID
	if len(args) == 1 {
		user, err := ref.ParseUserID(args[0])
		if err != nil {
			return nil, err
		}
		filter = user
	}

	var builder strings.Builder
	writer := tabwriter.NewWriter(&builder, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "DEVICE\tFINGERPRINT\tSESSION\tVERIFIED")
	for _, peer := range d.bootstrapper.KnownDevices() {
		if !filter.IsZero() && peer.User != filter {
			continue
		}
		identity, _ := d.bootstrapper.IdentityKeys(peer)
		verified, err := d.verified.IsVerified(ctx, peer)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", peer, diagnostics.Fingerprint(identity.Curve25519),
			yesNo(d.engine.HasSession(peer)), yesNo(verified))
	}
	writer.Flush()
	return strings.TrimRight(builder.String(), "\n"), nil
}

func (d *daemon) cmdKeys(ctx context.Context, args []string) (any, error) {
	account := d.engine.Account()
	curveKey, edKey := account.IdentityKeys()
	return struct {
		UserID      string `json:"user_id"`
		DeviceID    string `json:"device_id"`
		Curve25519  string `json:"curve25519"`
		Ed25519     string `json:"ed25519"`
		Fingerprint string `json:"fingerprint"`
		Unpublished int    `json:"unpublished_one_time_keys"`
	}{
		UserID:      d.localUser.String(),
		DeviceID:    d.localDevice.String(),
		Curve25519:  curveKey,
		Ed25519:     edKey,
		Fingerprint: diagnostics.Fingerprint(curveKey),
		Unpublished: account.UnpublishedCount(),
	}, nil
}

func (d *daemon) cmdSessions(ctx context.Context, args []string) (any, error) {
	switch {
	case len(args) == 2 && args[0] == "forget":
		return d.forgetSessions(ctx, args[1])
	case len(args) != 0:
		return nil, command.ErrUsage
	}
	sessions := d.engine.Sessions()
	if len(sessions) == 0 {
		return "no olm sessions", nil
	}
	var builder strings.Builder
	writer := tabwriter.NewWriter(&builder, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "PEER\tSESSION\tCREATED")
	for _, session := range sessions {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", session.Peer, session.ID, session.CreatedAt.UTC().Format(time.RFC3339))
	}
	writer.Flush()
	return strings.TrimRight(builder.String(), "\n"), nil
}

// forgetSessions drops the outbound sessions with every device of a
// user and saves the account. The next EnsureSessions for the user
// claims fresh one-time keys.
func (d *daemon) forgetSessions(ctx context.Context, userArg string) (any, error) {
	user, err := ref.ParseUserID(userArg)
	if err != nil {
		return nil, err
	}
	removed := d.engine.ForgetSessions(user)
	if removed > 0 {
		d.logger.Info("olm sessions forgotten", "user_id", user.String(), "sessions", removed)
		d.save(ctx)
	}
	return fmt.Sprintf("forgot %d olm sessions with %s", removed, user), nil
}

func (d *daemon) cmdReport(ctx context.Context, args []string) (any, error) {
	report, err := diagnostics.Collect(ctx, diagnostics.Sources{
		LocalUser:     d.localUser,
		LocalDevice:   d.localDevice,
		Homeserver:    d.homeserver,
		Sessions:      d.engine,
		Verified:      d.verified,
		Verifications: d.coordinator,
	})
	if err != nil {
		return nil, err
	}
	report.Log(d.logger)
	return report.Text(), nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

// verificationSummary is the console view of one verification.
type verificationSummary struct {
	TransactionID string    `json:"transaction_id"`
	State         string    `json:"state"`
	Peer          string    `json:"peer"`
	Initiator     bool      `json:"initiator"`
	Emoji         string    `json:"emoji,omitempty"`
	Decimal       string    `json:"decimal,omitempty"`
	CancelCode    string    `json:"cancel_code,omitempty"`
	CancelReason  string    `json:"cancel_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func summarize(session verification.Session) verificationSummary {
	summary := verificationSummary{
		TransactionID: session.TransactionID,
		State:         session.State.String(),
		Peer:          session.Peer.String(),
		Initiator:     session.Initiator,
		CancelCode:    session.CancelCode,
		CancelReason:  session.CancelReason,
		UpdatedAt:     session.UpdatedAt,
	}
	if session.Codes != nil {
		summary.Emoji = session.Codes.Emoji
		summary.Decimal = session.Codes.Decimal
	}
	return summary
}

type verificationList []verificationSummary

func (l verificationList) String() string {
	if len(l) == 0 {
		return "no verifications"
	}
	var builder strings.Builder
	writer := tabwriter.NewWriter(&builder, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "TRANSACTION\tSTATE\tPEER\tROLE")
	for _, summary := range l {
		role := "responder"
		if summary.Initiator {
			role = "initiator"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", summary.TransactionID, summary.State, summary.Peer, role)
	}
	writer.Flush()
	return strings.TrimRight(builder.String(), "\n")
}
