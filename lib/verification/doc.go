// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package verification runs Matrix SAS device verification
// (m.key.verification.* with method m.sas.v1) over to-device messages.
//
// The protocol logic is a pure function, [Machine.Apply], which maps a
// [Session] and an [Input] to a [Transition]: an ordered list of
// session states to commit, some gated on sending an event. The
// [Coordinator] owns the session table, serializes inputs per
// transaction, performs the sends, and commits each state only after
// its send succeeds. A failed send therefore leaves a session in the
// last state that was actually reached.
//
// Session lifecycle:
//
//	initiator:  PENDING -> READY -> ACCEPTED -> KEY_EXCHANGE -> MAC_EXCHANGE -> MAC_RECEIVED -> VERIFIED
//	responder:  REQUESTED -> READY -> STARTED -> ACCEPTED -> KEY_EXCHANGE -> ...
//
// CANCELLED is reachable from every non-terminal state. VERIFIED and
// CANCELLED never change state again; terminal sessions are kept for a
// retention period for status queries and then collected.
//
// Whether a session advances without an operator is decided by
// [Policy]. Under [PolicyManual] the operator accepts incoming requests
// with AcceptVerification and compares the short authentication string
// with ConfirmSasCode before our MAC is sent.
package verification
