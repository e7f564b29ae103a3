package api

import (
	"context"
	"net/http"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/admission"
	mw "github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/api/middleware"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/calllog"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/registrar"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/session"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// CallController is the slice of the session manager the API needs.
// Satisfied by *session.Manager.
type CallController interface {
	Dial(ctx context.Context, number string) (session.Snapshot, error)
	Hangup(ctx context.Context) (session.Snapshot, error)
	ToggleMute(ctx context.Context) (session.Snapshot, error)
	SendDigits(ctx context.Context, digits string) (session.Snapshot, error)
	ClearDialBuffer()
	Snapshot() session.Snapshot
}

// Admission exposes the incoming call decisions. Satisfied by
// *admission.Controller.
type Admission interface {
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	Pending() *admission.Pending
}

// CallLogView serves the recent calls list. Satisfied by *calllog.ViewModel.
type CallLogView interface {
	List(ctx context.Context, limit int) ([]calllog.Entry, bool, error)
	Delete(ctx context.Context, callID string) error
}

// Registration exposes registrar status and refresh. Satisfied by
// *registrar.Registrar.
type Registration interface {
	State() registrar.State
	Refresh()
}

// Config holds the HTTP surface options.
type Config struct {
	// APIKeyHash is the Argon2id hash clients must match via X-API-Key.
	// Empty disables auth.
	APIKeyHash string

	// CORSOrigins lists origins allowed to call the API from a browser.
	// Empty disables CORS.
	CORSOrigins []string

	// TLSEnabled controls whether HSTS is sent.
	TLSEnabled bool

	// MetricsHandler, when set, is mounted unauthenticated at /metrics.
	MetricsHandler http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	calls     CallController
	incoming  Admission
	logs      CallLogView
	reg       Registration
	cfg       Config
	ratelimit *mw.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(calls CallController, incoming Admission, logs CallLogView, reg Registration, cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		calls:     calls,
		incoming:  incoming,
		logs:      logs,
		reg:       reg,
		cfg:       cfg,
		ratelimit: mw.NewIPRateLimiter(mw.DefaultRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware goroutines.
func (s *Server) Close() {
	s.ratelimit.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.StructuredLogger)
	r.Use(mw.Recoverer)
	r.Use(mw.SecurityHeaders(s.cfg.TLSEnabled))
	r.Use(mw.CORS(s.cfg.CORSOrigins))
	r.Use(mw.RateLimit(s.ratelimit))

	// Unauthenticated probes.
	r.Get("/healthz", s.handleHealth)
	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.RequireAPIKey(s.cfg.APIKeyHash))

		r.Route("/call", func(r chi.Router) {
			r.Get("/", s.handleActiveCall)
			r.Post("/dial", s.handleDial)
			r.Post("/answer", s.handleAnswer)
			r.Post("/reject", s.handleReject)
			r.Post("/hangup", s.handleHangup)
			r.Post("/mute", s.handleMute)
			r.Post("/digits", s.handleDigits)
			r.Delete("/digits", s.handleClearDigits)
		})

		r.Route("/call-logs", func(r chi.Router) {
			r.Get("/", s.handleListCallLogs)
			r.Delete("/{id}", s.handleDeleteCallLog)
		})

		r.Route("/registration", func(r chi.Router) {
			r.Get("/", s.handleRegistrationState)
			r.Post("/refresh", s.handleRegistrationRefresh)
		})
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
