// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/sas"
)

// InputKind selects what an Input asks the Machine to do.
type InputKind int

const (
	// InputEvent is a verification event received from Sender.
	InputEvent InputKind = iota + 1
	// InputInitiate opens a session by sending a request to Peer.
	InputInitiate
	// InputAccept is the operator accepting a request or start.
	InputAccept
	// InputConfirm is the operator comparing Code with the SAS.
	InputConfirm
	// InputComplete asks for the session to finish with done.
	InputComplete
	// InputCancel is the operator cancelling with Reason.
	InputCancel
	// InputTimeout cancels an idle session with m.timeout.
	InputTimeout
)

func (k InputKind) String() string {
	switch k {
	case InputEvent:
		return "event"
	case InputInitiate:
		return "initiate"
	case InputAccept:
		return "accept"
	case InputConfirm:
		return "confirm"
	case InputComplete:
		return "complete"
	case InputCancel:
		return "cancel"
	case InputTimeout:
		return "timeout"
	}
	return fmt.Sprintf("InputKind(%d)", int(k))
}

// Input is one stimulus to a session. Which fields matter depends on
// Kind.
type Input struct {
	Kind InputKind
	Now  time.Time

	// Event inputs.
	Sender  ref.UserID
	Content Content

	// Initiate inputs.
	Peer          ref.PeerDevice
	TransactionID string

	// Confirm and cancel inputs.
	Code   string
	Reason string

	// PeerEd25519 is the peer device's identity key when known. The
	// peer's MAC is checked against it.
	PeerEd25519 string
}

// Outbound is a to-device event to send.
type Outbound struct {
	Type    string
	To      ref.PeerDevice
	Content Content
}

// Step is one session state to commit, optionally gated on a send.
// When Send is set the state is committed only after the send
// succeeds, unless BestEffort is set, in which case a failed send is
// logged and the state is committed anyway.
type Step struct {
	Session    Session
	Send       *Outbound
	BestEffort bool
}

// Transition is the outcome of applying an Input. Steps are applied in
// order; the first failed required send stops the rest.
type Transition struct {
	Steps []Step
	// Result is what the operation reports when every step commits.
	Result bool
	// Ignored explains why an input produced no steps.
	Ignored  string
	Warnings []string
}

// Machine computes verification transitions. It keeps no session
// state: Apply takes the current session and returns the states to
// move through.
type Machine struct {
	LocalUser    ref.UserID
	LocalDevice  ref.DeviceID
	LocalEd25519 string
	Policy       Policy
	// EnforceCommitment cancels with m.mismatched_commitment when the
	// peer's key does not match its accept commitment. Otherwise the
	// mismatch is recorded and logged.
	EnforceCommitment bool
	// Random feeds ephemeral key generation. Nil means crypto/rand.
	Random io.Reader
}

func (m *Machine) local() ref.PeerDevice {
	return ref.PeerDevice{User: m.LocalUser, Device: m.LocalDevice}
}

// Apply computes the transition for input against session. A session
// with State StateNone means no session exists for the transaction.
func (m *Machine) Apply(session Session, input Input) Transition {
	b := &builder{input: input, current: session}
	switch input.Kind {
	case InputEvent:
		m.applyEvent(b)
		b.transition.Result = len(b.transition.Steps) > 0
	case InputInitiate:
		m.initiate(b)
	case InputAccept:
		m.accept(b)
	case InputConfirm:
		m.confirm(b)
	case InputComplete:
		m.complete(b)
	case InputCancel:
		m.cancel(b)
	case InputTimeout:
		if b.current.State == StateNone || b.current.State.Terminal() {
			b.ignore("session is %s", b.current.State)
			break
		}
		b.cancelLocal(CancelTimeout, "verification timed out")
		b.transition.Result = true
	default:
		b.ignore("unknown input kind %s", input.Kind)
	}
	return b.transition
}

// builder accumulates the steps of one transition. current is the
// session as it will be after every planned step commits.
type builder struct {
	input      Input
	current    Session
	transition Transition
}

func (b *builder) update(mutate func(*Session)) {
	next := b.current.clone()
	mutate(&next)
	next.UpdatedAt = b.input.Now
	b.current = next
	b.transition.Steps = append(b.transition.Steps, Step{Session: next})
}

// annotate records a change that is not activity: UpdatedAt, and with
// it the retention and timeout clocks, stays put.
func (b *builder) annotate(mutate func(*Session)) {
	next := b.current.clone()
	mutate(&next)
	b.current = next
	b.transition.Steps = append(b.transition.Steps, Step{Session: next})
}

func (b *builder) send(content Content, mutate func(*Session)) {
	next := b.current.clone()
	mutate(&next)
	next.UpdatedAt = b.input.Now
	b.current = next
	b.transition.Steps = append(b.transition.Steps, Step{
		Session: next,
		Send:    &Outbound{Type: content.EventType(), To: next.Peer, Content: content},
	})
}

// cancelLocal commits CANCELLED, then sends the cancel best-effort.
func (b *builder) cancelLocal(code, reason string) {
	b.update(func(s *Session) {
		s.State = StateCancelled
		s.CancelCode = code
		s.CancelReason = reason
		s.CancelledBy = CancelledByLocal
	})
	b.transition.Steps = append(b.transition.Steps, Step{
		Session: b.current,
		Send: &Outbound{
			Type:    EventCancel,
			To:      b.current.Peer,
			Content: &CancelContent{Code: code, Reason: reason, TransactionID: b.current.TransactionID},
		},
		BestEffort: true,
	})
}

func (b *builder) ignore(format string, args ...any) {
	b.transition.Ignored = fmt.Sprintf(format, args...)
}

func (b *builder) warn(format string, args ...any) {
	b.transition.Warnings = append(b.transition.Warnings, fmt.Sprintf(format, args...))
}

// approved reports whether the session may advance without waiting
// for acceptVerification.
func (m *Machine) approved(s Session) bool {
	return s.Approved || s.Initiator || m.Policy.Automatic(m.LocalUser, s.Peer.User)
}

// canSendMAC reports whether our MAC may go out without waiting for
// confirmSasCode.
func (m *Machine) canSendMAC(s Session) bool {
	return s.Confirmed || m.Policy.Automatic(m.LocalUser, s.Peer.User)
}

func (m *Machine) applyEvent(b *builder) {
	session := b.current
	if session.State == StateNone {
		switch content := b.input.Content.(type) {
		case *RequestContent:
			m.onRequest(b, content)
		case *StartContent:
			m.onStart(b, content)
		default:
			b.ignore("%s for unknown transaction", b.input.Content.EventType())
		}
		return
	}
	if b.input.Sender != session.Peer.User {
		b.ignore("%s from %s, session peer is %s", b.input.Content.EventType(), b.input.Sender, session.Peer.User)
		return
	}
	if session.State.Terminal() {
		b.ignore("%s for %s session", b.input.Content.EventType(), session.State)
		return
	}
	switch content := b.input.Content.(type) {
	case *RequestContent:
		b.ignore("duplicate request")
	case *ReadyContent:
		m.onReady(b, content)
	case *StartContent:
		m.onStart(b, content)
	case *AcceptContent:
		m.onAccept(b, content)
	case *KeyContent:
		m.onKey(b, content)
	case *MACContent:
		m.onMAC(b, content)
	case *DoneContent:
		m.onDone(b)
	case *CancelContent:
		b.update(func(s *Session) {
			s.State = StateCancelled
			s.CancelCode = content.Code
			s.CancelReason = content.Reason
			s.CancelledBy = CancelledByPeer
		})
	default:
		b.ignore("unsupported content %T", b.input.Content)
	}
}

func (m *Machine) onRequest(b *builder, content *RequestContent) {
	device, err := ref.ParseDeviceID(content.FromDevice)
	if err != nil {
		b.ignore("request with invalid from_device: %v", err)
		return
	}
	peer := ref.PeerDevice{User: b.input.Sender, Device: device}
	if peer == m.local() {
		b.ignore("request from this device")
		return
	}
	b.update(func(s *Session) {
		s.TransactionID = content.TransactionID
		s.State = StateRequested
		s.LocalDevice = m.LocalDevice
		s.Peer = peer
		s.Methods = slices.Clone(content.Methods)
		s.CreatedAt = b.input.Now
	})
	if !slices.Contains(content.Methods, MethodSAS) {
		b.cancelLocal(CancelUnknownMethod, "no supported verification method")
		return
	}
	if m.approved(b.current) {
		m.sendReady(b)
	}
}

func (m *Machine) sendReady(b *builder) {
	ready := &ReadyContent{
		FromDevice:    m.LocalDevice.String(),
		Methods:       []string{MethodSAS},
		TransactionID: b.current.TransactionID,
	}
	b.send(ready, func(s *Session) {
		s.State = StateReady
		s.Methods = []string{MethodSAS}
	})
}

func (m *Machine) onReady(b *builder, content *ReadyContent) {
	session := b.current
	if session.State != StatePending || !session.Initiator {
		b.ignore("ready in state %s", session.State)
		return
	}
	if content.FromDevice != session.Peer.Device.String() {
		b.ignore("ready from device %s, request went to %s", content.FromDevice, session.Peer.Device)
		return
	}
	if !slices.Contains(content.Methods, MethodSAS) {
		b.cancelLocal(CancelUnknownMethod, "peer offers no supported verification method")
		return
	}
	b.update(func(s *Session) {
		s.State = StateReady
		s.Methods = []string{MethodSAS}
	})
	start := newStartContent(m.LocalDevice.String(), session.TransactionID)
	b.send(start, func(s *Session) {
		s.StartSent = true
		s.OurStart = start
	})
}

func (m *Machine) onStart(b *builder, content *StartContent) {
	session := b.current
	dropOurStart := false
	if session.State == StateNone {
		device, err := ref.ParseDeviceID(content.FromDevice)
		if err != nil {
			b.ignore("start with invalid from_device: %v", err)
			return
		}
		peer := ref.PeerDevice{User: b.input.Sender, Device: device}
		if peer == m.local() {
			b.ignore("start from this device")
			return
		}
		b.update(func(s *Session) {
			s.TransactionID = content.TransactionID
			s.State = StateStarted
			s.LocalDevice = m.LocalDevice
			s.Peer = peer
			s.Methods = []string{content.Method}
			s.CreatedAt = b.input.Now
		})
	} else {
		if content.FromDevice != session.Peer.Device.String() {
			b.ignore("start from device %s, session peer is %s", content.FromDevice, session.Peer.Device)
			return
		}
		switch session.State {
		case StatePending, StateRequested:
		case StateReady:
			if session.StartSent {
				// Both sides sent start. The lexicographically smaller
				// user and device keeps its start.
				if m.local().Compare(session.Peer) < 0 {
					b.ignore("start glare: our start takes precedence")
					return
				}
				dropOurStart = true
			}
		default:
			b.ignore("start in state %s", session.State)
			return
		}
		b.update(func(s *Session) {
			s.State = StateStarted
			if dropOurStart {
				s.StartSent = false
				s.OurStart = nil
			}
		})
	}

	types, ok := supportsStart(content)
	if !ok {
		b.cancelLocal(CancelUnknownMethod, "no supported key agreement or SAS method")
		return
	}
	b.update(func(s *Session) {
		s.SASTypes = types
		s.TheirStart = content
	})
	if m.approved(b.current) {
		m.sendAccept(b)
	}
}

func (m *Machine) newEphemeral(b *builder) (*sas.Ephemeral, bool) {
	ephemeral, err := sas.GenerateEphemeral(m.Random)
	if err != nil {
		b.warn("generating ephemeral key: %v", err)
		return nil, false
	}
	return ephemeral, true
}

func (m *Machine) sendAccept(b *builder) {
	ephemeral, ok := m.newEphemeral(b)
	if !ok {
		return
	}
	commitment, err := sas.Commitment(ephemeral.PublicKey(), b.current.TheirStart)
	if err != nil {
		b.warn("computing commitment: %v", err)
		return
	}
	accept := &AcceptContent{
		Method:                    MethodSAS,
		KeyAgreementProtocol:      KeyAgreementCurve25519,
		Hash:                      HashSHA256,
		MessageAuthenticationCode: MACHKDFHMACSHA256V2,
		ShortAuthenticationString: slices.Clone(b.current.SASTypes),
		Commitment:                commitment,
		TransactionID:             b.current.TransactionID,
	}
	b.send(accept, func(s *Session) {
		s.State = StateAccepted
		s.ephemeral = ephemeral
		s.OurEphemeralKey = ephemeral.PublicKey()
		s.OurCommitment = commitment
	})
}

func (m *Machine) onAccept(b *builder, content *AcceptContent) {
	session := b.current
	if session.State != StateReady || !session.StartSent {
		b.ignore("accept in state %s", session.State)
		return
	}
	ephemeral, ok := m.newEphemeral(b)
	if !ok {
		return
	}
	b.update(func(s *Session) {
		s.State = StateAccepted
		s.TheirCommitment = content.Commitment
		s.ephemeral = ephemeral
		s.OurEphemeralKey = ephemeral.PublicKey()
		if len(content.ShortAuthenticationString) > 0 {
			s.SASTypes = slices.Clone(content.ShortAuthenticationString)
		}
	})
	m.sendKey(b)
}

func (m *Machine) sendKey(b *builder) {
	key := &KeyContent{Key: b.current.OurEphemeralKey, TransactionID: b.current.TransactionID}
	b.send(key, func(s *Session) {
		s.OurKeySent = true
	})
}

func (m *Machine) onKey(b *builder, content *KeyContent) {
	session := b.current
	if session.TheirEphemeralKey != "" {
		if session.TheirEphemeralKey == content.Key {
			b.ignore("duplicate key")
		} else {
			b.warn("peer sent a second, different ephemeral key")
			b.ignore("conflicting key")
		}
		return
	}
	if session.State != StateAccepted || session.ephemeral == nil {
		b.ignore("key in state %s", session.State)
		return
	}

	mismatch := false
	if session.StartSent {
		valid, err := sas.VerifyCommitment(session.TheirCommitment, content.Key, session.startForCommitment())
		mismatch = err != nil || !valid
	}
	codes := sas.DeriveCodes(session.OurEphemeralKey, content.Key, session.TransactionID)
	b.update(func(s *Session) {
		s.State = StateKeyExchange
		s.TheirEphemeralKey = content.Key
		s.Codes = &codes
		s.CommitmentMismatch = mismatch
	})
	if mismatch {
		if m.EnforceCommitment {
			b.cancelLocal(CancelMismatchedCommitment, "key does not match commitment")
			return
		}
		b.warn("peer key does not match its commitment")
	}
	if !b.current.OurKeySent {
		m.sendKey(b)
	}
	m.progress(b)
}

func (m *Machine) onMAC(b *builder, content *MACContent) {
	session := b.current
	switch session.State {
	case StateAccepted, StateKeyExchange, StateMACExchange:
	default:
		b.ignore("mac in state %s", session.State)
		return
	}
	if session.TheirMAC != nil {
		b.ignore("duplicate mac")
		return
	}
	if len(content.MAC) == 0 {
		b.ignore("mac without entries")
		return
	}
	b.update(func(s *Session) {
		s.TheirMAC = maps.Clone(content.MAC)
		s.TheirKeysMAC = content.Keys
	})
	m.progress(b)
}

func (m *Machine) onDone(b *builder) {
	if b.current.TheirDone {
		b.ignore("duplicate done")
		return
	}
	b.update(func(s *Session) {
		s.TheirDone = true
	})
	m.progress(b)
}

// progress advances the MAC and done phases as far as the session
// allows.
func (m *Machine) progress(b *builder) {
	if b.current.State.Terminal() {
		return
	}
	session := b.current
	if session.TheirMAC != nil && !session.TheirMACChecked && session.TheirEphemeralKey != "" && session.ephemeral != nil {
		if !m.checkTheirMAC(b) {
			return
		}
	}

	session = b.current
	if session.Codes != nil && session.OurKeySent && !session.OurMACSent && session.ephemeral != nil && m.canSendMAC(session) {
		m.sendMAC(b)
	}

	session = b.current
	if session.OurMACSent && session.TheirMACChecked && !session.DoneSent {
		if session.State != StateMACReceived {
			b.update(func(s *Session) {
				s.State = StateMACReceived
			})
		}
		b.send(&DoneContent{TransactionID: session.TransactionID}, func(s *Session) {
			s.DoneSent = true
			if s.TheirDone {
				s.State = StateVerified
			}
		})
		return
	}
	if session.DoneSent && session.TheirDone && session.State != StateVerified {
		b.update(func(s *Session) {
			s.State = StateVerified
		})
	}
}

// checkTheirMAC verifies the peer's MAC over its Ed25519 key and its
// key ID list. It cancels with m.key_mismatch and returns false when
// either does not match.
func (m *Machine) checkTheirMAC(b *builder) bool {
	session := b.current
	material, fallback := sas.MACKeyMaterial(session.ephemeral, session.TheirEphemeralKey, session.TransactionID)
	if b.input.PeerEd25519 == "" {
		b.warn("no ed25519 key known for %s; peer MAC accepted unchecked", session.Peer)
		b.update(func(s *Session) {
			s.TheirMACChecked = true
			s.InsecureMAC = s.InsecureMAC || fallback
		})
		return true
	}

	local := m.local()
	keyID := session.Peer.Device.KeyID("ed25519")
	mac, ok := session.TheirMAC[keyID]
	valid := ok && sas.VerifyMAC(material, sas.MACInfo(session.Peer, local, session.TransactionID, keyID), b.input.PeerEd25519, mac)
	if valid {
		ids := slices.Collect(maps.Keys(session.TheirMAC))
		valid = sas.VerifyMAC(material, sas.MACInfo(session.Peer, local, session.TransactionID, sas.KeyIDsInfo), sas.KeyIDs(ids), session.TheirKeysMAC)
	}
	if !valid {
		b.cancelLocal(CancelKeyMismatch, "MAC does not match the device key")
		return false
	}
	b.update(func(s *Session) {
		s.TheirMACChecked = true
		s.TheirMACVerified = true
		s.InsecureMAC = s.InsecureMAC || fallback
	})
	return true
}

func (m *Machine) sendMAC(b *builder) {
	session := b.current
	material, fallback := sas.MACKeyMaterial(session.ephemeral, session.TheirEphemeralKey, session.TransactionID)
	if fallback {
		b.warn("peer ephemeral key is not a curve25519 point; MACs use non-secret fallback material")
	}
	local := m.local()
	keyID := m.LocalDevice.KeyID("ed25519")
	ourMAC := sas.MAC(material, sas.MACInfo(local, session.Peer, session.TransactionID, keyID), m.LocalEd25519)
	keysMAC := sas.MAC(material, sas.MACInfo(local, session.Peer, session.TransactionID, sas.KeyIDsInfo), sas.KeyIDs([]string{keyID}))
	content := &MACContent{
		Keys:          keysMAC,
		MAC:           map[string]string{keyID: ourMAC},
		TransactionID: session.TransactionID,
	}
	b.send(content, func(s *Session) {
		s.OurMAC = ourMAC
		s.OurMACSent = true
		s.InsecureMAC = s.InsecureMAC || fallback
		if s.State == StateKeyExchange {
			s.State = StateMACExchange
		}
	})
}

func (m *Machine) initiate(b *builder) {
	if b.current.State != StateNone {
		b.ignore("transaction %s already exists", b.input.TransactionID)
		return
	}
	peer := b.input.Peer
	request := &RequestContent{
		FromDevice:    m.LocalDevice.String(),
		Methods:       []string{MethodSAS},
		Timestamp:     b.input.Now.UnixMilli(),
		TransactionID: b.input.TransactionID,
	}
	b.send(request, func(s *Session) {
		s.TransactionID = b.input.TransactionID
		s.State = StatePending
		s.LocalDevice = m.LocalDevice
		s.Peer = peer
		s.Initiator = true
		s.Methods = []string{MethodSAS}
		s.CreatedAt = b.input.Now
	})
	b.transition.Result = true
}

func (m *Machine) accept(b *builder) {
	session := b.current
	switch {
	case session.State == StateNone:
		b.ignore("unknown transaction")
		return
	case session.State.Terminal():
		b.ignore("session is %s", session.State)
		return
	}
	b.transition.Result = true
	if !session.Approved {
		b.update(func(s *Session) {
			s.Approved = true
		})
	}
	switch session.State {
	case StateRequested:
		m.sendReady(b)
	case StateStarted:
		m.sendAccept(b)
	}
}

func (m *Machine) confirm(b *builder) {
	session := b.current
	switch {
	case session.State == StateNone:
		b.ignore("unknown transaction")
		return
	case session.State.Terminal():
		b.ignore("session is %s", session.State)
		return
	case session.Codes == nil:
		b.ignore("SAS not derived yet")
		return
	case !session.Codes.Matches(b.input.Code):
		b.warn("SAS confirmation did not match")
		b.ignore("SAS mismatch")
		return
	}
	b.transition.Result = true
	if !session.Confirmed {
		b.update(func(s *Session) {
			s.Confirmed = true
		})
	}
	m.progress(b)
}

func (m *Machine) complete(b *builder) {
	session := b.current
	switch {
	case session.State == StateVerified:
		b.transition.Result = true
		return
	case session.State == StateNone || session.State.Terminal():
		b.ignore("session is %s", session.State)
		return
	case !session.OurMACSent || !session.TheirMACChecked:
		b.ignore("MAC exchange incomplete")
		return
	}
	b.transition.Result = true
	if session.State != StateMACReceived {
		b.update(func(s *Session) {
			s.State = StateMACReceived
		})
	}
	if session.DoneSent {
		b.update(func(s *Session) {
			s.State = StateVerified
		})
		return
	}
	b.send(&DoneContent{TransactionID: session.TransactionID}, func(s *Session) {
		s.DoneSent = true
		s.State = StateVerified
	})
}

func (m *Machine) cancel(b *builder) {
	session := b.current
	if session.State == StateNone {
		b.ignore("unknown transaction")
		return
	}
	b.transition.Result = true
	if session.State.Terminal() {
		b.annotate(func(s *Session) {
			s.CancelReason = b.input.Reason
		})
		return
	}
	b.cancelLocal(CancelUser, b.input.Reason)
}
