package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
	"github.com/golang-jwt/jwt/v4"
)

type fakeSource struct {
	mu      sync.Mutex
	cred    telephony.Credential
	err     error
	fetches int
}

func (s *fakeSource) Fetch(ctx context.Context) (telephony.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return telephony.Credential{}, s.err
	}
	return s.cred, nil
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

type fakeTransport struct {
	mu          sync.Mutex
	registered  []telephony.Credential
	registerErr error
	unregisters int
}

func (t *fakeTransport) SetHandler(func(telephony.Event)) {}

func (t *fakeTransport) Register(ctx context.Context, cred telephony.Credential) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registerErr != nil {
		return t.registerErr
	}
	t.registered = append(t.registered, cred)
	return nil
}

func (t *fakeTransport) Unregister(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unregisters++
	return nil
}

func (t *fakeTransport) Connect(ctx context.Context, number string) (telephony.CallHandle, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTransport) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestRegisterSuccess(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	source := &fakeSource{cred: telephony.Credential{Token: "tok", Identity: "agent1", ExpiresAt: exp}}
	transport := &fakeTransport{}
	r := New(source, transport, testLogger())

	var changes []Status
	r.SetOnChange(func(s State) { changes = append(changes, s.Status) })

	got, err := r.register(context.Background())
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}
	if !r.Ready() {
		t.Error("Ready() = false after successful registration")
	}

	state := r.State()
	if state.Status != StatusRegistered || state.Identity != "agent1" {
		t.Errorf("State() = %+v, want registered as agent1", state)
	}
	if len(transport.registered) != 1 || transport.registered[0].Token != "tok" {
		t.Errorf("transport registered %v, want the fetched credential", transport.registered)
	}
	if len(changes) != 2 || changes[0] != StatusRegistering || changes[1] != StatusRegistered {
		t.Errorf("state changes = %v, want [registering registered]", changes)
	}
}

func TestRegisterFailure(t *testing.T) {
	t.Run("fetch fails", func(t *testing.T) {
		source := &fakeSource{err: errors.New("backend down")}
		r := New(source, &fakeTransport{}, testLogger())

		if _, err := r.register(context.Background()); err == nil {
			t.Fatal("register() succeeded with failing source")
		}
		if r.Ready() {
			t.Error("Ready() = true after failed registration")
		}
	})

	t.Run("transport rejects credential", func(t *testing.T) {
		source := &fakeSource{cred: telephony.Credential{Token: "bad", ExpiresAt: time.Now().Add(time.Hour)}}
		transport := &fakeTransport{registerErr: errors.New("401 unauthorized")}
		r := New(source, transport, testLogger())

		if _, err := r.register(context.Background()); err == nil {
			t.Fatal("register() succeeded with rejecting transport")
		}
		if r.Ready() {
			t.Error("Ready() = true after rejected credential")
		}
	})
}

func TestRunRetriesAndRecovers(t *testing.T) {
	source := &fakeSource{err: errors.New("backend down")}
	transport := &fakeTransport{}
	r := New(source, transport, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return r.State().Status == StatusFailed })
	if r.State().LastError == "" {
		t.Error("LastError empty in failed state")
	}

	// Backend recovers; Refresh short-circuits the retry backoff.
	source.mu.Lock()
	source.err = nil
	source.cred = telephony.Credential{Token: "tok", Identity: "agent1", ExpiresAt: time.Now().Add(time.Hour)}
	source.mu.Unlock()
	r.Refresh()

	waitFor(t, func() bool { return r.Ready() })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.unregisters != 1 {
		t.Errorf("unregisters = %d, want 1 on shutdown", transport.unregisters)
	}
}

func TestRefreshReRegisters(t *testing.T) {
	source := &fakeSource{cred: telephony.Credential{Token: "tok", Identity: "agent1", ExpiresAt: time.Now().Add(time.Hour)}}
	transport := &fakeTransport{}
	r := New(source, transport, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, func() bool { return r.Ready() })
	first := source.fetchCount()

	r.Refresh()
	waitFor(t, func() bool { return source.fetchCount() > first })
}

func TestTokenExpiry(t *testing.T) {
	t.Run("jwt with exp claim", func(t *testing.T) {
		exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		signed, err := token.SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("signing token: %v", err)
		}

		got, ok := tokenExpiry(signed)
		if !ok {
			t.Fatal("tokenExpiry() ok = false for token with exp")
		}
		if !got.Equal(exp) {
			t.Errorf("tokenExpiry() = %v, want %v", got, exp)
		}
	})

	t.Run("jwt without exp claim", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "agent1"})
		signed, err := token.SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("signing token: %v", err)
		}
		if _, ok := tokenExpiry(signed); ok {
			t.Error("tokenExpiry() ok = true for token without exp")
		}
	})

	t.Run("opaque token", func(t *testing.T) {
		if _, ok := tokenExpiry("not-a-jwt"); ok {
			t.Error("tokenExpiry() ok = true for opaque token")
		}
	})
}

func TestTokenClientFetch(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path != "/v1/token" || req.Method != http.MethodPost {
				t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
			}
			if req.Header.Get("X-API-Key") != "key123" {
				t.Errorf("missing api key header")
			}
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"token":      "tok",
					"identity":   "agent1",
					"expires_at": exp,
				},
			})
		}))
		defer srv.Close()

		c := NewTokenClient(srv.URL, "key123", "agent1")
		cred, err := c.Fetch(context.Background())
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if cred.Token != "tok" || cred.Identity != "agent1" || !cred.ExpiresAt.Equal(exp) {
			t.Errorf("Fetch() = %+v", cred)
		}
	})

	t.Run("backend error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid api key"})
		}))
		defer srv.Close()

		c := NewTokenClient(srv.URL, "wrong", "agent1")
		if _, err := c.Fetch(context.Background()); err == nil {
			t.Fatal("Fetch() succeeded with forbidden backend")
		}
	})

	t.Run("empty token refused", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"token": ""}})
		}))
		defer srv.Close()

		c := NewTokenClient(srv.URL, "key123", "agent1")
		if _, err := c.Fetch(context.Background()); err == nil {
			t.Fatal("Fetch() succeeded with empty token")
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
