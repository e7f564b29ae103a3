package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
)

type fakeHandle struct {
	id string

	mu          sync.Mutex
	disconnects int
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Accept(ctx context.Context) error { return nil }

func (h *fakeHandle) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
	return nil
}

func (h *fakeHandle) Mute(ctx context.Context, muted bool) error          { return nil }
func (h *fakeHandle) SendDigits(ctx context.Context, digits string) error { return nil }

func (h *fakeHandle) disconnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnects
}

type fakeLine struct {
	mu        sync.Mutex
	busy      bool
	accepted  []string
	acceptErr error
}

func (l *fakeLine) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy
}

func (l *fakeLine) AcceptIncoming(ctx context.Context, handle telephony.CallHandle, from string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acceptErr != nil {
		return l.acceptErr
	}
	l.accepted = append(l.accepted, handle.ID())
	l.busy = true
	return nil
}

type recordingFinalizer struct {
	mu    sync.Mutex
	calls map[string][]string
	done  chan struct{}
}

func newRecordingFinalizer() *recordingFinalizer {
	return &recordingFinalizer{calls: make(map[string][]string), done: make(chan struct{}, 8)}
}

func (f *recordingFinalizer) Finalize(ctx context.Context, providerID, providerStatus, recordingURL string) error {
	f.mu.Lock()
	f.calls[providerID] = append(f.calls[providerID], providerStatus)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *recordingFinalizer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize")
	}
}

func (f *recordingFinalizer) statuses(providerID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[providerID]...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestController(line *fakeLine, fin *recordingFinalizer, cfg Config) *Controller {
	return NewController(line, fin, cfg, testLogger())
}

func TestAcceptPendingOffer(t *testing.T) {
	line := &fakeLine{}
	c := newTestController(line, newRecordingFinalizer(), Config{})

	handle := &fakeHandle{id: "CA100"}
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA100", From: "+15550001111", Handle: handle})

	p := c.Pending()
	if p == nil {
		t.Fatal("Pending() = nil, want ringing offer")
	}
	if !p.Answerable {
		t.Error("offer with a call object must be answerable")
	}

	if err := c.Accept(context.Background()); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if len(line.accepted) != 1 || line.accepted[0] != "CA100" {
		t.Errorf("line accepted %v, want [CA100]", line.accepted)
	}
	if c.Pending() != nil {
		t.Error("Pending() not cleared after accept")
	}
}

func TestAcceptWithoutOffer(t *testing.T) {
	c := newTestController(&fakeLine{}, nil, Config{})
	if err := c.Accept(context.Background()); !errors.Is(err, ErrNoPendingOffer) {
		t.Errorf("Accept() error = %v, want ErrNoPendingOffer", err)
	}
}

func TestAcceptPushOnlyOffer(t *testing.T) {
	c := newTestController(&fakeLine{}, nil, Config{})
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA101", From: "+15550001111"})

	if err := c.Accept(context.Background()); !errors.Is(err, ErrOfferUnanswerable) {
		t.Fatalf("Accept() error = %v, want ErrOfferUnanswerable", err)
	}
	// The offer keeps ringing; it is not consumed by the failed accept.
	if c.Pending() == nil {
		t.Error("push-only offer dropped by failed accept")
	}
}

func TestDuplicateOfferAdoptsHandle(t *testing.T) {
	line := &fakeLine{}
	c := newTestController(line, newRecordingFinalizer(), Config{})

	c.HandleOffer(context.Background(), Offer{ProviderID: "CA102", From: "+15550001111"})
	if p := c.Pending(); p == nil || p.Answerable {
		t.Fatalf("Pending() = %+v, want unanswerable ring", p)
	}

	handle := &fakeHandle{id: "CA102"}
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA102", From: "+15550001111", Handle: handle})

	if p := c.Pending(); p == nil || !p.Answerable {
		t.Fatalf("Pending() = %+v, want answerable ring after second delivery", p)
	}
	if err := c.Accept(context.Background()); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if len(line.accepted) != 1 {
		t.Errorf("line accepted %v, want exactly one call", line.accepted)
	}
}

func TestRejectFinalizesWithConfiguredStatus(t *testing.T) {
	fin := newRecordingFinalizer()
	c := newTestController(&fakeLine{}, fin, Config{RejectStatus: "no-answer"})

	handle := &fakeHandle{id: "CA103"}
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA103", From: "+15550001111", Handle: handle})

	if err := c.Reject(context.Background()); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	fin.wait(t)
	if got := fin.statuses("CA103"); len(got) != 1 || got[0] != "no-answer" {
		t.Errorf("finalized statuses = %v, want [no-answer]", got)
	}
	if c.Pending() != nil {
		t.Error("Pending() not cleared after reject")
	}
}

func TestRejectDefaultStatus(t *testing.T) {
	fin := newRecordingFinalizer()
	c := newTestController(&fakeLine{}, fin, Config{})

	c.HandleOffer(context.Background(), Offer{ProviderID: "CA115", From: "+15550001111", Handle: &fakeHandle{id: "CA115"}})
	if err := c.Reject(context.Background()); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	fin.wait(t)
	if got := fin.statuses("CA115"); len(got) != 1 || got[0] != "canceled" {
		t.Errorf("finalized statuses = %v, want [canceled]", got)
	}
}

func TestTimeoutStatusConfigurable(t *testing.T) {
	fin := newRecordingFinalizer()
	c := newTestController(&fakeLine{}, fin, Config{
		RingDeadline:  20 * time.Millisecond,
		TimeoutStatus: "no-answer",
	})

	c.HandleOffer(context.Background(), Offer{ProviderID: "CA116", From: "+15550001111", Handle: &fakeHandle{id: "CA116"}})
	fin.wait(t)
	if got := fin.statuses("CA116"); len(got) != 1 || got[0] != "no-answer" {
		t.Errorf("finalized statuses = %v, want [no-answer]", got)
	}
}

func TestRingDeadlineTimeout(t *testing.T) {
	fin := newRecordingFinalizer()
	c := newTestController(&fakeLine{}, fin, Config{RingDeadline: 20 * time.Millisecond})

	handle := &fakeHandle{id: "CA104"}
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA104", From: "+15550001111", Handle: handle})

	fin.wait(t)
	// Rings that expire record the same status as explicit rejection
	// unless configured apart.
	if got := fin.statuses("CA104"); len(got) != 1 || got[0] != "canceled" {
		t.Fatalf("finalized statuses = %v, want [canceled]", got)
	}
	if c.Pending() != nil {
		t.Error("Pending() not cleared after timeout")
	}

	// The expired offer must be refused at the provider too.
	deadlineFor(t, func() bool { return handle.disconnectCount() == 1 })
}

func TestTimerNoOpAfterAccept(t *testing.T) {
	fin := newRecordingFinalizer()
	line := &fakeLine{}
	c := newTestController(line, fin, Config{RingDeadline: 30 * time.Millisecond})

	c.HandleOffer(context.Background(), Offer{ProviderID: "CA105", From: "+15550001111", Handle: &fakeHandle{id: "CA105"}})
	if err := c.Accept(context.Background()); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	// Let the original deadline pass; the accepted call must not be
	// retroactively marked missed.
	time.Sleep(60 * time.Millisecond)
	if got := fin.statuses("CA105"); len(got) != 0 {
		t.Errorf("finalized statuses = %v, want none for an accepted call", got)
	}
}

func TestBusyLineRefusesOffer(t *testing.T) {
	tests := []struct {
		name         string
		logBusy      bool
		wantStatuses []string
	}{
		{"busy attempts logged", true, []string{"busy"}},
		{"busy attempts silent", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fin := newRecordingFinalizer()
			c := newTestController(&fakeLine{busy: true}, fin, Config{LogBusyAttempts: tt.logBusy})

			handle := &fakeHandle{id: "CA106"}
			c.HandleOffer(context.Background(), Offer{ProviderID: "CA106", From: "+15550001111", Handle: handle})

			if c.Pending() != nil {
				t.Error("busy refusal left a pending offer")
			}
			if tt.logBusy {
				fin.wait(t)
			} else {
				time.Sleep(50 * time.Millisecond)
			}
			if got := fin.statuses("CA106"); len(got) != len(tt.wantStatuses) {
				t.Errorf("finalized statuses = %v, want %v", got, tt.wantStatuses)
			}
			deadlineFor(t, func() bool { return handle.disconnectCount() == 1 })
		})
	}
}

func TestSecondOfferWhileRinging(t *testing.T) {
	fin := newRecordingFinalizer()
	c := newTestController(&fakeLine{}, fin, Config{LogBusyAttempts: true})

	c.HandleOffer(context.Background(), Offer{ProviderID: "CA107", From: "+15550001111", Handle: &fakeHandle{id: "CA107"}})
	second := &fakeHandle{id: "CA108"}
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA108", From: "+15550002222", Handle: second})

	if p := c.Pending(); p == nil || p.ProviderID != "CA107" {
		t.Fatalf("Pending() = %+v, want first offer still ringing", p)
	}
	fin.wait(t)
	if got := fin.statuses("CA108"); len(got) != 1 || got[0] != "busy" {
		t.Errorf("second offer statuses = %v, want [busy]", got)
	}
	deadlineFor(t, func() bool { return second.disconnectCount() == 1 })
}

func TestRemoteCancel(t *testing.T) {
	fin := newRecordingFinalizer()
	c := newTestController(&fakeLine{}, fin, Config{})

	c.HandleOffer(context.Background(), Offer{ProviderID: "CA109", From: "+15550001111", Handle: &fakeHandle{id: "CA109"}})
	c.HandleRemoteCancel("CA109")

	fin.wait(t)
	if got := fin.statuses("CA109"); len(got) != 1 || got[0] != "canceled" {
		t.Errorf("finalized statuses = %v, want [canceled]", got)
	}
	if c.Pending() != nil {
		t.Error("Pending() not cleared after remote cancel")
	}

	// Unknown ids are no-ops.
	c.HandleRemoteCancel("CAnope")
}

func TestResolvedOfferNotReRung(t *testing.T) {
	fin := newRecordingFinalizer()
	c := newTestController(&fakeLine{}, fin, Config{})

	c.HandleOffer(context.Background(), Offer{ProviderID: "CA110", From: "+15550001111"})
	if err := c.Reject(context.Background()); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	fin.wait(t)

	// The late SDK delivery of the declined offer must not ring again, and
	// its call object must be refused.
	late := &fakeHandle{id: "CA110"}
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA110", From: "+15550001111", Handle: late})
	if c.Pending() != nil {
		t.Error("resolved offer rang again on duplicate delivery")
	}
	deadlineFor(t, func() bool { return late.disconnectCount() == 1 })
	if got := fin.statuses("CA110"); len(got) != 1 {
		t.Errorf("finalized statuses = %v, want exactly one entry", got)
	}
}

// deadlineFor polls cond until it holds or the test deadline budget runs out.
func deadlineFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type fakeRinger struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (r *fakeRinger) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
}

func (r *fakeRinger) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
}

func (r *fakeRinger) counts() (starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

func TestRingerFollowsOfferLifecycle(t *testing.T) {
	ringer := &fakeRinger{}
	line := &fakeLine{}
	c := newTestController(line, newRecordingFinalizer(), Config{Ringer: ringer})

	c.HandleOffer(context.Background(), Offer{ProviderID: "CA130", From: "+15550001111", Handle: &fakeHandle{id: "CA130"}})
	if starts, stops := ringer.counts(); starts != 1 || stops != 0 {
		t.Fatalf("after offer: starts=%d stops=%d, want 1/0", starts, stops)
	}

	if err := c.Accept(context.Background()); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if starts, stops := ringer.counts(); starts != 1 || stops != 1 {
		t.Errorf("after accept: starts=%d stops=%d, want 1/1", starts, stops)
	}

	// A busy refusal never rang, so the ringer stays untouched.
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA131", From: "+15550002222"})
	if starts, stops := ringer.counts(); starts != 1 || stops != 1 {
		t.Errorf("after busy refusal: starts=%d stops=%d, want 1/1", starts, stops)
	}
}

func TestFailedAcceptDeclinesAndFinalizes(t *testing.T) {
	fin := newRecordingFinalizer()
	line := &fakeLine{acceptErr: errors.New("line seized by outgoing dial")}
	c := newTestController(line, fin, Config{})

	handle := &fakeHandle{id: "CA140"}
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA140", From: "+15550001111", Handle: handle})

	if err := c.Accept(context.Background()); err == nil {
		t.Fatal("Accept() error = nil, want line error")
	}
	if c.Pending() != nil {
		t.Error("Pending() not cleared after failed accept")
	}

	// The remote leg must be terminated and the outcome recorded; the
	// caller cannot be left ringing into a line nobody can answer.
	deadlineFor(t, func() bool { return handle.disconnectCount() == 1 })
	fin.wait(t)
	if got := fin.statuses("CA140"); len(got) != 1 || got[0] != "failed" {
		t.Errorf("finalized statuses = %v, want [failed]", got)
	}
}

type fakeRegistration struct {
	ready bool
}

func (g *fakeRegistration) Ready() bool { return g.ready }

func TestUnregisteredDeviceRefusesOffer(t *testing.T) {
	fin := newRecordingFinalizer()
	c := newTestController(&fakeLine{}, fin, Config{Registration: &fakeRegistration{ready: false}})

	handle := &fakeHandle{id: "CA141"}
	c.HandleOffer(context.Background(), Offer{ProviderID: "CA141", From: "+15550001111", Handle: handle})

	if c.Pending() != nil {
		t.Error("unregistered device rang an offer it cannot answer")
	}
	deadlineFor(t, func() bool { return handle.disconnectCount() == 1 })
}

func TestRegisteredDeviceRingsNormally(t *testing.T) {
	c := newTestController(&fakeLine{}, newRecordingFinalizer(), Config{Registration: &fakeRegistration{ready: true}})

	c.HandleOffer(context.Background(), Offer{ProviderID: "CA142", From: "+15550001111", Handle: &fakeHandle{id: "CA142"}})
	if c.Pending() == nil {
		t.Error("registered device refused a normal offer")
	}
}
