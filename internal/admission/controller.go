// Package admission decides what happens to incoming call offers: ring the
// user, refuse because the line is busy, or expire unanswered rings. Offers
// can arrive twice (provider SDK event and push notification), so every
// decision is keyed and deduplicated by the provider call id.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
)

var (
	// ErrNoPendingOffer is returned when Accept or Reject finds nothing
	// ringing, typically because the offer already timed out or was
	// canceled by the caller.
	ErrNoPendingOffer = errors.New("no pending incoming call")

	// ErrOfferUnanswerable is returned when an offer known only from a
	// push notification is accepted before the provider connection
	// delivered the call object.
	ErrOfferUnanswerable = errors.New("call cannot be answered yet")
)

// resolvedTTL is how long a resolved offer id keeps suppressing duplicate
// deliveries of the same offer from the other source.
const resolvedTTL = 5 * time.Minute

// Offer is an incoming call proposal. Handle is nil when the offer was
// learned from a push notification and the provider connection has not
// produced the call object yet.
type Offer struct {
	ProviderID string
	From       string
	To         string
	Handle     telephony.CallHandle
	ReceivedAt time.Time
}

// Line is the call session manager as the admission controller sees it.
type Line interface {
	Busy() bool
	AcceptIncoming(ctx context.Context, handle telephony.CallHandle, from string) (err error)
}

// Registration reports whether the device is bound to the provider.
// Offers arriving while unregistered cannot be answered and are refused.
type Registration interface {
	Ready() bool
}

// Finalizer records the outcome of offers that never became sessions
// (missed, declined, refused while busy).
type Finalizer interface {
	Finalize(ctx context.Context, providerID, providerStatus, recordingURL string) error
}

// RingPlayer plays the ring alert while an offer is pending. Start and
// Stop are called from the controller's goroutines and must not block.
type RingPlayer interface {
	Start()
	Stop()
}

// Config carries the admission controller's tunables.
type Config struct {
	// RingDeadline is how long an offer rings before it is marked missed.
	RingDeadline time.Duration
	// TimeoutStatus is the status recorded for offers nobody answered.
	TimeoutStatus string
	// RejectStatus is the status recorded when the user declines.
	RejectStatus string
	// LogBusyAttempts records offers refused because the line was busy.
	// When false they are rejected silently.
	LogBusyAttempts bool
	// Ringer plays the ring alert while an offer is pending. Nil means
	// the agent rings silently.
	Ringer RingPlayer
	// Registration gates admission on the device being registered. Nil
	// disables the check.
	Registration Registration
}

// Pending describes the offer currently ringing.
type Pending struct {
	ProviderID string    `json:"provider_id"`
	From       string    `json:"from"`
	To         string    `json:"to,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Deadline   time.Time `json:"deadline"`
	Answerable bool      `json:"answerable"`
}

// Controller admits incoming call offers. At most one offer rings at a
// time; anything beyond that is refused as busy.
type Controller struct {
	line         Line
	finalizer    Finalizer
	ringer       RingPlayer
	registration Registration
	logger       *slog.Logger

	deadline      time.Duration
	timeoutStatus string
	rejectStatus  string
	logBusy       bool
	now           func() time.Time

	mu      sync.Mutex
	pending *pendingOffer
	// resolved suppresses the second delivery of an offer that was already
	// accepted, declined, timed out, or canceled.
	resolved map[string]time.Time

	// counters read by the metrics collector.
	ringTimeouts atomic.Int64
	busyRefused  atomic.Int64
}

type pendingOffer struct {
	offer Offer
	timer *time.Timer
}

// NewController creates an admission controller.
func NewController(line Line, finalizer Finalizer, cfg Config, logger *slog.Logger) *Controller {
	deadline := cfg.RingDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	// Ring-timeouts and explicit rejections both record "canceled" unless
	// configured apart; the provider reports abandoned inbound legs the
	// same way.
	timeoutStatus := cfg.TimeoutStatus
	if timeoutStatus == "" {
		timeoutStatus = "canceled"
	}
	rejectStatus := cfg.RejectStatus
	if rejectStatus == "" {
		rejectStatus = "canceled"
	}
	return &Controller{
		line:          line,
		finalizer:     finalizer,
		ringer:        cfg.Ringer,
		registration:  cfg.Registration,
		deadline:      deadline,
		timeoutStatus: timeoutStatus,
		rejectStatus:  rejectStatus,
		logBusy:       cfg.LogBusyAttempts,
		now:           time.Now,
		resolved:      make(map[string]time.Time),
		logger:        logger.With("subsystem", "admission"),
	}
}

// HandleOffer processes a new incoming call offer from either source. The
// same provider id may arrive twice; the duplicate either enriches the
// pending offer with its call object or is dropped.
func (c *Controller) HandleOffer(ctx context.Context, offer Offer) {
	if offer.ReceivedAt.IsZero() {
		offer.ReceivedAt = c.now()
	}

	c.mu.Lock()
	c.pruneResolvedLocked()

	if _, done := c.resolved[offer.ProviderID]; done {
		handle := offer.Handle
		c.mu.Unlock()
		c.logger.Debug("dropping offer for already resolved call", "call_id", offer.ProviderID)
		// The call object for a resolved offer must still be refused so
		// the caller stops ringing.
		if handle != nil {
			go c.declineHandle(handle)
		}
		return
	}

	if c.pending != nil && c.pending.offer.ProviderID == offer.ProviderID {
		// Second source for the offer already ringing. Adopt the call
		// object if the first delivery came handle-less from push.
		if c.pending.offer.Handle == nil && offer.Handle != nil {
			c.pending.offer.Handle = offer.Handle
			c.logger.Debug("pending offer became answerable", "call_id", offer.ProviderID)
		}
		c.mu.Unlock()
		return
	}

	if c.line.Busy() || c.pending != nil {
		c.mu.Unlock()
		c.refuseBusy(offer)
		return
	}

	if c.registration != nil && !c.registration.Ready() {
		c.mu.Unlock()
		c.refuseUnregistered(offer)
		return
	}

	id := offer.ProviderID
	p := &pendingOffer{offer: offer}
	p.timer = time.AfterFunc(c.deadline, func() { c.expire(id) })
	c.pending = p
	c.mu.Unlock()

	c.startRing()
	c.logger.Info("incoming call ringing",
		"call_id", offer.ProviderID,
		"from", offer.From,
		"answerable", offer.Handle != nil,
	)
}

// Accept answers the pending offer and hands it to the call session
// manager. An offer known only from push cannot be answered until the
// provider connection delivers the call object.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrNoPendingOffer
	}
	if c.pending.offer.Handle == nil {
		c.mu.Unlock()
		return ErrOfferUnanswerable
	}
	offer := c.resolveLocked()
	c.mu.Unlock()
	c.stopRing()

	if err := c.line.AcceptIncoming(ctx, offer.Handle, offer.From); err != nil {
		// The offer is already resolved; terminate the remote leg and
		// record the outcome so the caller is not left ringing into a
		// line nobody can answer anymore.
		go c.declineHandle(offer.Handle)
		c.finalize(offer.ProviderID, "failed")
		return fmt.Errorf("answering call %s: %w", offer.ProviderID, err)
	}
	return nil
}

// Reject declines the pending offer and records the configured outcome.
func (c *Controller) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrNoPendingOffer
	}
	offer := c.resolveLocked()
	c.mu.Unlock()
	c.stopRing()

	c.logger.Info("incoming call declined", "call_id", offer.ProviderID, "from", offer.From)
	if offer.Handle != nil {
		go c.declineHandle(offer.Handle)
	}
	c.finalize(offer.ProviderID, c.rejectStatus)
	return nil
}

// HandleRemoteCancel resolves a ringing offer the caller abandoned before
// anyone answered. No-op for unknown or already resolved ids.
func (c *Controller) HandleRemoteCancel(providerID string) {
	c.mu.Lock()
	if c.pending == nil || c.pending.offer.ProviderID != providerID {
		c.mu.Unlock()
		return
	}
	offer := c.resolveLocked()
	c.mu.Unlock()
	c.stopRing()

	c.logger.Info("incoming call canceled by caller", "call_id", offer.ProviderID)
	c.finalize(offer.ProviderID, "canceled")
}

// Pending returns the offer currently ringing, or nil.
func (c *Controller) Pending() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	o := c.pending.offer
	return &Pending{
		ProviderID: o.ProviderID,
		From:       o.From,
		To:         o.To,
		ReceivedAt: o.ReceivedAt,
		Deadline:   o.ReceivedAt.Add(c.deadline),
		Answerable: o.Handle != nil,
	}
}

// expire runs when the ring deadline fires. The id guard makes a timer
// that lost the race against accept, reject, or cancel a no-op.
func (c *Controller) expire(providerID string) {
	c.mu.Lock()
	if c.pending == nil || c.pending.offer.ProviderID != providerID {
		c.mu.Unlock()
		return
	}
	offer := c.resolveLocked()
	c.mu.Unlock()
	c.stopRing()

	c.ringTimeouts.Add(1)
	c.logger.Info("incoming call missed", "call_id", offer.ProviderID, "from", offer.From)
	if offer.Handle != nil {
		go c.declineHandle(offer.Handle)
	}
	c.finalize(offer.ProviderID, c.timeoutStatus)
}

// resolveLocked clears the pending slot, stops its timer, and marks the id
// resolved so the duplicate delivery from the other source is dropped.
func (c *Controller) resolveLocked() Offer {
	p := c.pending
	c.pending = nil
	p.timer.Stop()
	c.resolved[p.offer.ProviderID] = c.now()
	return p.offer
}

func (c *Controller) refuseBusy(offer Offer) {
	c.mu.Lock()
	c.resolved[offer.ProviderID] = c.now()
	c.mu.Unlock()

	c.busyRefused.Add(1)
	c.logger.Info("incoming call refused, line busy",
		"call_id", offer.ProviderID,
		"from", offer.From,
	)
	if offer.Handle != nil {
		go c.declineHandle(offer.Handle)
	}
	if c.logBusy {
		c.finalize(offer.ProviderID, "busy")
	}
}

func (c *Controller) refuseUnregistered(offer Offer) {
	c.mu.Lock()
	c.resolved[offer.ProviderID] = c.now()
	c.mu.Unlock()

	c.logger.Warn("incoming call refused, device not registered",
		"call_id", offer.ProviderID,
		"from", offer.From,
	)
	if offer.Handle != nil {
		go c.declineHandle(offer.Handle)
	}
}

func (c *Controller) finalize(providerID, status string) {
	if c.finalizer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := c.finalizer.Finalize(ctx, providerID, status, ""); err != nil {
			c.logger.Warn("recording offer outcome failed",
				"call_id", providerID,
				"status", status,
				"error", err,
			)
		}
	}()
}

func (c *Controller) startRing() {
	if c.ringer != nil {
		c.ringer.Start()
	}
}

func (c *Controller) stopRing() {
	if c.ringer != nil {
		c.ringer.Stop()
	}
}

func (c *Controller) declineHandle(handle telephony.CallHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Disconnect(ctx); err != nil {
		c.logger.Debug("declining call object failed", "call_id", handle.ID(), "error", err)
	}
}

// Counters returns totals of offers that rang out and offers refused while
// busy, read by the metrics collector.
func (c *Controller) Counters() (ringTimeouts, busyRefused int64) {
	return c.ringTimeouts.Load(), c.busyRefused.Load()
}

func (c *Controller) pruneResolvedLocked() {
	cutoff := c.now().Add(-resolvedTTL)
	for id, at := range c.resolved {
		if at.Before(cutoff) {
			delete(c.resolved, id)
		}
	}
}
