package registrar

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
)

// Status describes the registration lifecycle state.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusRegistering  Status = "registering"
	StatusRegistered   Status = "registered"
	StatusFailed       Status = "failed"
)

// State is a snapshot of the registrar for the API and metrics.
type State struct {
	Status       Status     `json:"status"`
	Identity     string     `json:"identity,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	RetryAttempt int        `json:"retry_attempt,omitempty"`
}

// CredentialSource fetches fresh provider credentials. Satisfied by
// *TokenClient.
type CredentialSource interface {
	Fetch(ctx context.Context) (telephony.Credential, error)
}

// Registrar runs the registration lifecycle: fetch credential, register the
// transport, refresh before expiry, retry with backoff on failure.
type Registrar struct {
	source    CredentialSource
	transport telephony.Transport
	logger    *slog.Logger

	mu       sync.RWMutex
	state    State
	onChange func(State)

	// kick wakes the loop for an immediate re-registration.
	kick chan struct{}
	now  func() time.Time
}

// New creates a registrar.
func New(source CredentialSource, transport telephony.Transport, logger *slog.Logger) *Registrar {
	return &Registrar{
		source:    source,
		transport: transport,
		state:     State{Status: StatusUnregistered},
		kick:      make(chan struct{}, 1),
		now:       time.Now,
		logger:    logger.With("subsystem", "registrar"),
	}
}

// SetOnChange installs a callback invoked after every state change. Must be
// called before Run.
func (r *Registrar) SetOnChange(fn func(State)) {
	r.onChange = fn
}

// Ready reports whether the device can place and receive calls.
func (r *Registrar) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status == StatusRegistered
}

// State returns a snapshot of the registration state.
func (r *Registrar) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Refresh asks the loop to re-register immediately. Non-blocking; a refresh
// already pending absorbs the request.
func (r *Registrar) Refresh() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drives the registration lifecycle until ctx is canceled: initial
// registration, then refresh at 80% of each credential's lifetime.
func (r *Registrar) Run(ctx context.Context) {
	r.logger.Info("starting device registration")
	backoff := newBackoff()

	for {
		expiresAt, err := r.register(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			r.logger.Error("device registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)
			r.setState(func(s *State) {
				s.Status = StatusFailed
				s.LastError = err.Error()
				s.RetryAttempt = backoff.attempt
			})

			select {
			case <-ctx.Done():
				r.unregister()
				return
			case <-r.kick:
				continue
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()

		// Refresh before the credential lapses. 80% of the lifetime
		// leaves room for fetch and registration round trips.
		lifetime := expiresAt.Sub(r.now())
		refreshIn := time.Duration(float64(lifetime) * 0.8)
		if refreshIn < time.Minute {
			refreshIn = time.Minute
		}
		r.logger.Info("device registered",
			"expires_at", expiresAt.Format(time.RFC3339),
			"refresh_in", refreshIn.String(),
		)

		select {
		case <-ctx.Done():
			r.unregister()
			return
		case <-r.kick:
			r.logger.Info("re-registering on request")
		case <-time.After(refreshIn):
			r.logger.Debug("re-registering before credential expiry")
		}
	}
}

// register fetches a credential and registers the transport with it. It
// returns the credential's expiry for refresh scheduling.
func (r *Registrar) register(ctx context.Context) (time.Time, error) {
	r.setState(func(s *State) {
		s.Status = StatusRegistering
	})

	cred, err := r.source.Fetch(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if err := r.transport.Register(ctx, cred); err != nil {
		return time.Time{}, err
	}

	now := r.now()
	r.setState(func(s *State) {
		s.Status = StatusRegistered
		s.Identity = cred.Identity
		s.RegisteredAt = &now
		s.ExpiresAt = &cred.ExpiresAt
		s.LastError = ""
		s.RetryAttempt = 0
	})
	return cred.ExpiresAt, nil
}

func (r *Registrar) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.transport.Unregister(ctx); err != nil {
		r.logger.Debug("unregister failed", "error", err)
	}
	r.setState(func(s *State) {
		s.Status = StatusUnregistered
	})
}

func (r *Registrar) setState(mutate func(*State)) {
	r.mu.Lock()
	mutate(&r.state)
	snapshot := r.state
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(snapshot)
	}
}

// backoff implements exponential backoff with jitter for registration
// retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 2 * time.Second,
		maxDelay:  2 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter so a fleet of agents does not retry in lockstep.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
