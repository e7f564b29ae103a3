package calllog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BackendClient is the slice of the backend API the reconciler needs.
// Satisfied by *Backend.
type BackendClient interface {
	List(ctx context.Context, limit int) ([]Record, error)
	Delete(ctx context.Context, callID string) error
	Update(ctx context.Context, callID, status, recordingURL string) error
	Status(ctx context.Context, callID string) (string, error)
}

// finalizedTTL is how long a finalized call id keeps suppressing repeat
// finalizations.
const finalizedTTL = 10 * time.Minute

// Reconciler keeps the local call history consistent with the backend. It
// records outcomes when calls end, refreshes the cache from the backend,
// and replaces optimistic statuses with the provider's settled ones.
type Reconciler struct {
	backend BackendClient
	store   *Store
	logger  *slog.Logger

	// settleDelay is how long after finalization the provider's settled
	// status is fetched. Zero disables the follow-up fetch.
	settleDelay time.Duration
	now         func() time.Time

	mu        sync.Mutex
	finalized map[string]time.Time

	// failure counters read by the metrics collector.
	finalizeFailures atomic.Int64
	refreshFailures  atomic.Int64
}

// NewReconciler creates a call log reconciler. settleDelay of zero disables
// the post-call settled-status fetch.
func NewReconciler(backend BackendClient, store *Store, settleDelay time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		backend:     backend,
		store:       store,
		settleDelay: settleDelay,
		now:         time.Now,
		finalized:   make(map[string]time.Time),
		logger:      logger.With("subsystem", "calllog"),
	}
}

// Finalize records a call's outcome exactly once per provider id. The
// local cache is updated optimistically first so the recent calls list
// shows the outcome immediately; the backend write follows. A failed
// backend write is reported but does not undo the cache, which the next
// refresh repairs either way.
func (r *Reconciler) Finalize(ctx context.Context, providerID, providerStatus, recordingURL string) error {
	r.mu.Lock()
	r.pruneFinalizedLocked()
	if _, done := r.finalized[providerID]; done {
		r.mu.Unlock()
		r.logger.Debug("skipping repeat finalization", "call_id", providerID)
		return nil
	}
	r.finalized[providerID] = r.now()
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateStatus(ctx, providerID, providerStatus, recordingURL); err != nil {
			r.logger.Warn("optimistic cache update failed", "call_id", providerID, "error", err)
		}
	}

	if err := r.backend.Update(ctx, providerID, providerStatus, recordingURL); err != nil {
		r.finalizeFailures.Add(1)
		return fmt.Errorf("recording outcome for %s: %w", providerID, err)
	}

	if r.settleDelay > 0 {
		time.AfterFunc(r.settleDelay, func() { r.settle(providerID, providerStatus) })
	}
	return nil
}

// settle fetches the provider's settled status for a finished call and
// overwrites the optimistic one if they differ. Providers may take a few
// seconds after teardown to decide between completed and no-answer.
func (r *Reconciler) settle(providerID, optimistic string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := r.backend.Status(ctx, providerID)
	if err != nil {
		r.logger.Debug("settled status fetch failed", "call_id", providerID, "error", err)
		return
	}
	if status == "" || status == optimistic {
		return
	}

	r.logger.Info("settled status differs from optimistic",
		"call_id", providerID,
		"optimistic", optimistic,
		"settled", status,
	)
	if r.store != nil {
		if err := r.store.UpdateStatus(ctx, providerID, status, ""); err != nil {
			r.logger.Warn("settled cache update failed", "call_id", providerID, "error", err)
		}
	}
}

// Refresh fetches the backend's call list and replaces the cache with it.
// The cache is only touched after a fully successful fetch; any failure
// leaves the previous contents serving.
func (r *Reconciler) Refresh(ctx context.Context, limit int) ([]Record, error) {
	records, err := r.backend.List(ctx, limit)
	if err != nil {
		r.refreshFailures.Add(1)
		return nil, fmt.Errorf("refreshing call log: %w", err)
	}

	if r.store != nil {
		if err := r.store.Replace(ctx, records); err != nil {
			r.logger.Warn("replacing call log cache failed", "error", err)
		}
	}
	return records, nil
}

// OnPush refreshes the cache in response to a backend push notification.
// Every push means something changed server-side, so the whole list is
// re-fetched rather than interpreting the payload.
func (r *Reconciler) OnPush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.Refresh(ctx, 0); err != nil {
		r.logger.Warn("push-triggered refresh failed", "error", err)
	}
}

// Delete removes a record from the backend and, on success, from the cache.
func (r *Reconciler) Delete(ctx context.Context, callID string) error {
	if err := r.backend.Delete(ctx, callID); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, callID); err != nil {
			r.logger.Warn("deleting cached record failed", "call_id", callID, "error", err)
		}
	}
	return nil
}

// Cached returns the locally cached records, newest first.
func (r *Reconciler) Cached(ctx context.Context, limit int) ([]Record, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.List(ctx, limit)
}

// Counters returns totals of failed backend finalizations and failed cache
// refreshes, read by the metrics collector.
func (r *Reconciler) Counters() (finalizeFailures, refreshFailures int64) {
	return r.finalizeFailures.Load(), r.refreshFailures.Load()
}

func (r *Reconciler) pruneFinalizedLocked() {
	cutoff := r.now().Add(-finalizedTTL)
	for id, at := range r.finalized {
		if at.Before(cutoff) {
			delete(r.finalized, id)
		}
	}
}
