// Package session implements the per-agent call state machine: the single
// source of truth for what the current call is doing. All mutations funnel
// through the Manager, which is the sole writer of the active CallSession.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
	"github.com/google/uuid"
)

var (
	// ErrBusy is returned when a call is requested while another session
	// occupies the line.
	ErrBusy = errors.New("a call is already in progress")

	// ErrNotRegistered is returned when the device registrar is not Ready.
	ErrNotRegistered = errors.New("device is not registered")

	// ErrNoActiveCall is returned for operations that require a live session.
	ErrNoActiveCall = errors.New("no active call")

	// ErrInvalidNumber is returned when the dialed number fails validation.
	ErrInvalidNumber = errors.New("invalid number")

	// ErrMediaPermissionDenied is returned when microphone capture cannot
	// be acquired for a dial attempt. The attempt is abandoned; retrying
	// is up to the caller.
	ErrMediaPermissionDenied = errors.New("media permission denied")
)

// Finalizer receives exactly one terminal notification per call session.
// Satisfied by calllog.Reconciler.
type Finalizer interface {
	Finalize(ctx context.Context, providerID, providerStatus, recordingURL string) error
}

// RegistrationGate reports whether the device registrar is Ready. New
// outbound calls are refused while it is not.
type RegistrationGate interface {
	Ready() bool
}

// finalizeTimeout bounds the background persistence of a call outcome so a
// hung backend cannot pin goroutines forever.
const finalizeTimeout = 15 * time.Second

// disconnectTimeout bounds best-effort provider teardown requests.
const disconnectTimeout = 5 * time.Second

// Manager drives the call session lifecycle. It consumes user commands and
// transport events, updates the single CallSession, and emits effects
// (timers, provider requests, finalization) on state changes.
type Manager struct {
	transport telephony.Transport
	capture   telephony.CaptureDevice
	gate      RegistrationGate
	finalizer Finalizer
	logger    *slog.Logger

	minDigits int
	now       func() time.Time

	mu         sync.Mutex
	cur        *CallSession
	handle     telephony.CallHandle
	dialBuffer string
	// lastFinalized guards against duplicate terminal events and dangling
	// timers: once a provider id has been finalized, later notifications
	// for the same id are no-ops.
	lastFinalized string

	// call counters by direction, read by the metrics collector.
	outboundCalls int64
	inboundCalls  int64
}

// Config carries the Manager's tunables.
type Config struct {
	// MinDigits is the minimum number of digits a dialed number must have.
	MinDigits int
}

// NewManager creates a call session manager. The transport's event handler
// must be routed to HandleTransportEvent by the caller.
func NewManager(
	transport telephony.Transport,
	capture telephony.CaptureDevice,
	gate RegistrationGate,
	finalizer Finalizer,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	minDigits := cfg.MinDigits
	if minDigits <= 0 {
		minDigits = 10
	}
	if capture == nil {
		capture = telephony.NullCaptureDevice{}
	}
	return &Manager{
		transport: transport,
		capture:   capture,
		gate:      gate,
		finalizer: finalizer,
		minDigits: minDigits,
		now:       time.Now,
		logger:    logger.With("subsystem", "session"),
	}
}

// Dial places an outbound call. When number is empty the digits buffered via
// SendDigits are used as the dial string. Fails fast without touching the
// session on validation, registration, or media-permission errors.
func (m *Manager) Dial(ctx context.Context, number string) (Snapshot, error) {
	if !m.gate.Ready() {
		return m.Snapshot(), ErrNotRegistered
	}

	m.mu.Lock()
	if number == "" {
		number = m.dialBuffer
	}
	if !validNumber(number, m.minDigits) {
		m.mu.Unlock()
		return m.Snapshot(), fmt.Errorf("%w: need at least %d digits", ErrInvalidNumber, m.minDigits)
	}
	if m.cur != nil && m.cur.State.Active() {
		m.mu.Unlock()
		return m.Snapshot(), ErrBusy
	}
	m.mu.Unlock()

	// Microphone capability is acquired before any signaling so a denied
	// permission never leaves a half-built session behind.
	if err := m.capture.RequestCapture(ctx); err != nil {
		m.logger.Warn("dial refused: capture unavailable", "error", err)
		return m.Snapshot(), fmt.Errorf("%w: %v", ErrMediaPermissionDenied, err)
	}

	m.mu.Lock()
	if m.cur != nil && m.cur.State.Active() {
		m.mu.Unlock()
		return m.Snapshot(), ErrBusy
	}
	sess := &CallSession{
		LocalID:           uuid.NewString(),
		Direction:         DirectionOutbound,
		State:             StateDialing,
		CounterpartNumber: number,
		StartedAt:         m.now(),
	}
	m.cur = sess
	m.dialBuffer = ""
	m.outboundCalls++
	localID := sess.LocalID
	m.mu.Unlock()

	m.logger.Info("dialing", "number", number, "local_id", localID)

	handle, err := m.transport.Connect(ctx, number)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.LocalID != localID {
		// The session was torn down while Connect was in flight (user
		// hangup racing with setup). Make sure the provider side dies too.
		if handle != nil {
			go m.disconnectHandle(handle)
		}
		return m.snapshotLocked(), nil
	}
	if err != nil {
		m.logger.Error("outbound connect failed", "number", number, "error", err)
		m.endLocked(EndReasonError, "")
		return m.snapshotLocked(), fmt.Errorf("connecting call: %w", err)
	}

	m.handle = handle
	m.cur.ProviderID = handle.ID()
	return m.snapshotLocked(), nil
}

// AcceptIncoming answers an inbound call handle. Invoked by the admission
// controller once the user accepts a ringing offer.
func (m *Manager) AcceptIncoming(ctx context.Context, handle telephony.CallHandle, from string) (Snapshot, error) {
	if !m.gate.Ready() {
		return m.Snapshot(), ErrNotRegistered
	}

	m.mu.Lock()
	if m.cur != nil && m.cur.State.Active() {
		m.mu.Unlock()
		return m.Snapshot(), ErrBusy
	}
	sess := &CallSession{
		LocalID:           uuid.NewString(),
		ProviderID:        handle.ID(),
		Direction:         DirectionInbound,
		State:             StateRingingIn,
		CounterpartNumber: from,
		StartedAt:         m.now(),
	}
	m.cur = sess
	m.handle = handle
	m.inboundCalls++
	localID := sess.LocalID
	m.mu.Unlock()

	if err := handle.Accept(ctx); err != nil {
		m.logger.Error("accepting inbound call failed", "call_id", handle.ID(), "error", err)
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.cur != nil && m.cur.LocalID == localID {
			m.endLocked(EndReasonError, "")
		}
		return m.snapshotLocked(), fmt.Errorf("accepting call: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.LocalID == localID && m.cur.State == StateRingingIn {
		m.connectLocked()
	}
	return m.snapshotLocked(), nil
}

// Busy reports whether a session currently occupies the line.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil && m.cur.State.Active()
}

// Hangup ends the current call from the local side. The session is
// finalized first; the provider teardown request is best-effort.
func (m *Manager) Hangup(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.cur == nil || !m.cur.State.Active() {
		m.mu.Unlock()
		return m.Snapshot(), ErrNoActiveCall
	}
	handle := m.handle
	m.endLocked(EndReasonHangup, "")
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if handle != nil {
		go m.disconnectHandle(handle)
	}
	return snap, nil
}

// ToggleMute flips the mute flag on a connected call. The flag changes only
// after the provider request succeeds; transports without an acknowledgement
// return nil immediately, which yields the optimistic flip.
func (m *Manager) ToggleMute(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.cur == nil || m.cur.State != StateConnected || m.handle == nil {
		m.mu.Unlock()
		return m.Snapshot(), ErrNoActiveCall
	}
	handle := m.handle
	target := !m.cur.Muted
	localID := m.cur.LocalID
	m.mu.Unlock()

	if err := handle.Mute(ctx, target); err != nil {
		return m.Snapshot(), fmt.Errorf("setting mute: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.LocalID == localID {
		m.cur.Muted = target
	}
	return m.snapshotLocked(), nil
}

// SendDigits transmits DTMF digits on the live call, or, when no provider
// call object exists yet, appends them to the pending dial string. Never
// both.
func (m *Manager) SendDigits(ctx context.Context, digits string) (Snapshot, error) {
	if !validDigits(digits) {
		return m.Snapshot(), fmt.Errorf("%w: digits may contain 0-9, *, #", ErrInvalidNumber)
	}

	m.mu.Lock()
	if m.cur != nil && m.cur.State.Active() && m.handle != nil {
		handle := m.handle
		m.mu.Unlock()
		if err := handle.SendDigits(ctx, digits); err != nil {
			return m.Snapshot(), fmt.Errorf("sending digits: %w", err)
		}
		return m.Snapshot(), nil
	}
	m.dialBuffer += digits
	defer m.mu.Unlock()
	return m.snapshotLocked(), nil
}

// ClearDialBuffer discards buffered dial digits.
func (m *Manager) ClearDialBuffer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialBuffer = ""
}

// HandleTransportEvent consumes a provider notification. Safe to call from
// any goroutine; events about unknown or already-finalized calls are no-ops.
func (m *Manager) HandleTransportEvent(ev telephony.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.eventMatchesLocked(ev) {
		m.logger.Debug("ignoring transport event for unknown call",
			"type", ev.Type.String(),
			"call_id", ev.CallID,
		)
		return
	}

	// An event can fill in a provider id the session was still missing
	// (outbound setup races the first provider notification).
	if m.cur.ProviderID == "" && ev.CallID != "" {
		m.cur.ProviderID = ev.CallID
	}

	switch ev.Type {
	case telephony.EventRinging:
		if m.cur.State == StateDialing {
			m.transitionLocked(StateRingingOut)
		}
	case telephony.EventAccept:
		if m.cur.State == StateDialing || m.cur.State == StateRingingOut || m.cur.State == StateRingingIn {
			m.connectLocked()
		}
	case telephony.EventDisconnect:
		m.endLocked(EndReasonDisconnect, "")
	case telephony.EventCancel:
		m.endLocked(EndReasonCancel, "")
	case telephony.EventReject:
		m.endLocked(EndReasonReject, "")
	case telephony.EventError:
		m.logger.Warn("provider error on active call",
			"call_id", m.cur.ProviderID,
			"message", ev.Message,
		)
		m.endLocked(EndReasonError, "")
	}
}

// eventMatchesLocked reports whether a call event belongs to the current
// session. Events for finalized ids are rejected so duplicate terminal
// notifications (provider may emit both error and disconnect) cannot
// finalize twice.
func (m *Manager) eventMatchesLocked(ev telephony.Event) bool {
	if m.cur == nil || !m.cur.State.Active() {
		return false
	}
	if ev.CallID == "" {
		return true
	}
	if ev.CallID == m.lastFinalized {
		return false
	}
	if m.cur.ProviderID == "" {
		// Outbound session still waiting for its provider id.
		return m.cur.Direction == DirectionOutbound
	}
	return ev.CallID == m.cur.ProviderID
}

// Snapshot returns a copy of the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// CallCounts returns totals of started calls by direction.
func (m *Manager) CallCounts() (outbound, inbound int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outboundCalls, m.inboundCalls
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         StateIdle.String(),
		PendingDigits: m.dialBuffer,
	}
	if m.cur == nil {
		return snap
	}
	started := m.cur.StartedAt
	snap.LocalID = m.cur.LocalID
	snap.ProviderID = m.cur.ProviderID
	snap.Direction = m.cur.Direction.String()
	snap.State = m.cur.State.String()
	snap.CounterpartNumber = m.cur.CounterpartNumber
	snap.StartedAt = &started
	snap.ConnectedAt = m.cur.ConnectedAt
	snap.Muted = m.cur.Muted
	snap.DurationSeconds = int(m.cur.Elapsed(m.now()).Seconds())
	snap.Duration = FormatDuration(m.cur.Elapsed(m.now()))
	return snap
}

// connectLocked moves the session to Connected and stamps the connect time.
// Duration is derived from that timestamp on every read, so a process that
// was suspended reports the correct total when it wakes.
func (m *Manager) connectLocked() {
	now := m.now()
	m.cur.ConnectedAt = &now
	m.transitionLocked(StateConnected)
}

// endLocked is the single finalization funnel. Whichever of the terminal
// triggers fires first (hangup, disconnect, cancel, reject, error) wins;
// the session reaches Ended exactly once and the reconciler receives
// exactly one notification per provider id.
func (m *Manager) endLocked(reason EndReason, recordingURL string) {
	if m.cur == nil || !m.cur.State.Active() {
		return
	}

	m.transitionLocked(StateEnding)

	sess := m.cur
	sess.EndReason = reason
	sess.Muted = false

	providerID := sess.ProviderID
	status := reason.providerStatus(sess.Answered())

	m.transitionLocked(StateEnded)

	m.logger.Info("call ended",
		"call_id", providerID,
		"direction", sess.Direction.String(),
		"reason", reason.String(),
		"status", status,
		"duration", FormatDuration(sess.Elapsed(m.now())),
	)

	// The line is free again; the ended session is discarded and the next
	// call constructs a fresh one.
	m.cur = nil
	m.handle = nil

	if providerID != "" {
		m.lastFinalized = providerID
	}

	// Persistence must never block teardown; storage errors are logged and
	// repaired by the next refresh.
	if m.finalizer != nil && providerID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
			defer cancel()
			if err := m.finalizer.Finalize(ctx, providerID, status, recordingURL); err != nil {
				m.logger.Warn("finalize failed, awaiting next refresh",
					"call_id", providerID,
					"error", err,
				)
			}
		}()
	}
}

func (m *Manager) transitionLocked(next State) {
	if !m.cur.State.CanTransitionTo(next) {
		m.logger.Warn("invalid state transition",
			"from", m.cur.State.String(),
			"to", next.String(),
		)
		return
	}
	m.logger.Debug("state transition",
		"from", m.cur.State.String(),
		"to", next.String(),
		"call_id", m.cur.ProviderID,
	)
	m.cur.State = next
}

func (m *Manager) disconnectHandle(handle telephony.CallHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := handle.Disconnect(ctx); err != nil {
		m.logger.Debug("provider disconnect failed", "call_id", handle.ID(), "error", err)
	}
}

// validNumber accepts dial strings of at least minDigits digits, ignoring
// common separators.
func validNumber(number string, minDigits int) bool {
	digits := 0
	for _, r := range number {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
			// separator, ignored
		default:
			return false
		}
	}
	return digits >= minDigits
}

// validDigits accepts DTMF strings: digits plus * and #.
func validDigits(digits string) bool {
	if digits == "" {
		return false
	}
	return strings.IndexFunc(digits, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '*' && r != '#'
	}) < 0
}
