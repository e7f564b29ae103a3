package calllog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu       sync.Mutex
	records  []Record
	listErr  error
	updates  []updateRequest
	updErr   error
	deletes  []string
	delErr   error
	statuses map[string]string
}

func (b *fakeBackend) List(ctx context.Context, limit int) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]Record(nil), b.records...), nil
}

func (b *fakeBackend) Delete(ctx context.Context, callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.delErr != nil {
		return b.delErr
	}
	b.deletes = append(b.deletes, callID)
	return nil
}

func (b *fakeBackend) Update(ctx context.Context, callID, status, recordingURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.updErr != nil {
		return b.updErr
	}
	b.updates = append(b.updates, updateRequest{CallID: callID, Status: status, RecordingURL: recordingURL})
	return nil
}

func (b *fakeBackend) Status(ctx context.Context, callID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.statuses[callID]; ok {
		return s, nil
	}
	return "", ErrNotFound
}

func (b *fakeBackend) updateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, status string, start time.Time) Record {
	return Record{
		CallID:    id,
		From:      "+15550001111",
		To:        "+15550002222",
		Direction: "outbound-api",
		Status:    status,
		StartTime: start,
	}
}

func TestFinalizeOnce(t *testing.T) {
	backend := &fakeBackend{}
	r := NewReconciler(backend, nil, 0, testLogger())

	if err := r.Finalize(context.Background(), "CA1", "completed", ""); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	// Repeats for the same id are absorbed.
	if err := r.Finalize(context.Background(), "CA1", "failed", ""); err != nil {
		t.Fatalf("repeat Finalize() error = %v", err)
	}
	if got := backend.updateCount(); got != 1 {
		t.Errorf("backend updates = %d, want 1", got)
	}
	if backend.updates[0].Status != "completed" {
		t.Errorf("recorded status = %q, want completed (first writer wins)", backend.updates[0].Status)
	}
}

func TestFinalizeUpdatesCacheOptimistically(t *testing.T) {
	backend := &fakeBackend{updErr: errors.New("backend down")}
	store := testStore(t)
	r := NewReconciler(backend, store, 0, testLogger())

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.Upsert(context.Background(), record("CA2", "initiated", start)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := r.Finalize(context.Background(), "CA2", "completed", "https://rec.example/CA2"); err == nil {
		t.Fatal("Finalize() succeeded with failing backend")
	}

	// The local cache still reflects the outcome immediately.
	records, err := store.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 || records[0].Status != "completed" {
		t.Errorf("cached records = %+v, want CA2 completed", records)
	}
	if records[0].RecordingURL != "https://rec.example/CA2" {
		t.Errorf("recording url = %q, want https://rec.example/CA2", records[0].RecordingURL)
	}
}

func TestFinalizeSettlesStatus(t *testing.T) {
	backend := &fakeBackend{statuses: map[string]string{"CA3": "no-answer"}}
	store := testStore(t)
	r := NewReconciler(backend, store, 10*time.Millisecond, testLogger())

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.Upsert(context.Background(), record("CA3", "initiated", start)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := r.Finalize(context.Background(), "CA3", "canceled", ""); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	// The settled fetch replaces the optimistic status.
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := store.List(context.Background(), 10)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(records) == 1 && records[0].Status == "no-answer" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cached status = %q, want settled no-answer", records[0].Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRefreshReplacesCacheOnSuccess(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Second)
	backend := &fakeBackend{records: []Record{
		record("CA10", "completed", start),
		record("CA11", "no-answer", start.Add(-time.Minute)),
	}}
	store := testStore(t)
	r := NewReconciler(backend, store, 0, testLogger())

	if err := store.Upsert(context.Background(), record("CAstale", "failed", start.Add(-time.Hour))); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	records, err := r.Refresh(context.Background(), 50)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Refresh() returned %d records, want 2", len(records))
	}

	cached, err := store.List(context.Background(), 50)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(cached) != 2 {
		t.Fatalf("cache holds %d records after refresh, want 2", len(cached))
	}
	if cached[0].CallID != "CA10" || cached[1].CallID != "CA11" {
		t.Errorf("cache order = [%s %s], want [CA10 CA11]", cached[0].CallID, cached[1].CallID)
	}
}

func TestRefreshFailureKeepsCache(t *testing.T) {
	backend := &fakeBackend{listErr: errors.New("503")}
	store := testStore(t)
	r := NewReconciler(backend, store, 0, testLogger())

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.Upsert(context.Background(), record("CA20", "completed", start)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if _, err := r.Refresh(context.Background(), 50); err == nil {
		t.Fatal("Refresh() succeeded with failing backend")
	}

	cached, err := r.Cached(context.Background(), 50)
	if err != nil {
		t.Fatalf("Cached() error = %v", err)
	}
	if len(cached) != 1 || cached[0].CallID != "CA20" {
		t.Errorf("cache = %+v, want untouched CA20", cached)
	}
}

func TestDeleteRemovesFromBackendAndCache(t *testing.T) {
	backend := &fakeBackend{}
	store := testStore(t)
	r := NewReconciler(backend, store, 0, testLogger())

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.Upsert(context.Background(), record("CA30", "completed", start)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := r.Delete(context.Background(), "CA30"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(backend.deletes) != 1 || backend.deletes[0] != "CA30" {
		t.Errorf("backend deletes = %v, want [CA30]", backend.deletes)
	}
	cached, _ := store.List(context.Background(), 50)
	if len(cached) != 0 {
		t.Errorf("cache = %+v, want empty after delete", cached)
	}
}

func TestDeleteBackendFailureKeepsCache(t *testing.T) {
	backend := &fakeBackend{delErr: errors.New("403")}
	store := testStore(t)
	r := NewReconciler(backend, store, 0, testLogger())

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.Upsert(context.Background(), record("CA31", "completed", start)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := r.Delete(context.Background(), "CA31"); err == nil {
		t.Fatal("Delete() succeeded with failing backend")
	}
	cached, _ := store.List(context.Background(), 50)
	if len(cached) != 1 {
		t.Errorf("cache = %+v, want CA31 retained", cached)
	}
}

func TestOnPushRefreshesCache(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Second)
	backend := &fakeBackend{records: []Record{record("CA60", "completed", start)}}
	store := testStore(t)
	r := NewReconciler(backend, store, 0, testLogger())

	r.OnPush()

	records, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 || records[0].CallID != "CA60" {
		t.Errorf("cache = %+v, want CA60 after push refresh", records)
	}
}

func TestOnPushRefreshFailureLeavesCache(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Second)
	backend := &fakeBackend{listErr: errors.New("backend down")}
	store := testStore(t)
	r := NewReconciler(backend, store, 0, testLogger())

	if err := store.Upsert(context.Background(), record("CA61", "completed", start)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	r.OnPush()

	records, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 || records[0].CallID != "CA61" {
		t.Errorf("cache = %+v, want CA61 untouched", records)
	}
}
