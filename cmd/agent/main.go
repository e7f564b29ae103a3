package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/admission"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/api"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/api/middleware"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/calllog"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/config"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/metrics"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/push"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/registrar"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/session"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/telephony/sipphone"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting dialer agent",
		"http_port", cfg.HTTPPort,
		"sip_domain", cfg.SIPDomain,
		"data_dir", cfg.DataDir,
	)

	if cfg.SIPDomain == "" {
		slog.Error("sip-domain is required")
		os.Exit(1)
	}

	// Open the local call log cache.
	store, err := calllog.OpenStore(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open call log cache", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// SIP transport toward the provider edge.
	phone, err := sipphone.New(sipphone.Config{
		ListenAddr: cfg.SIPListenAddr,
		Domain:     cfg.SIPDomain,
		Port:       cfg.SIPPort,
		Transport:  cfg.SIPTransport,
		MediaHost:  cfg.MediaIP(),
	}, logger)
	if err != nil {
		slog.Error("failed to create sip phone", "error", err)
		os.Exit(1)
	}
	if err := phone.Start(appCtx); err != nil {
		slog.Error("failed to start sip phone", "error", err)
		os.Exit(1)
	}
	defer phone.Close()

	// Backend client shared by the reconciler and the token source.
	backend := calllog.NewBackend(cfg.BackendURL, cfg.BackendAPIKey)
	reconciler := calllog.NewReconciler(backend, store, 2*time.Second, logger)
	viewModel := calllog.NewViewModel(reconciler)

	// Registrar keeps the device bound to the provider.
	tokens := registrar.NewTokenClient(cfg.BackendURL, cfg.BackendAPIKey, cfg.Identity)
	reg := registrar.New(tokens, phone, logger)
	viewModel.UseCallerID(func() string { return reg.State().Identity })

	// Call session manager.
	manager := session.NewManager(phone, telephony.NullCaptureDevice{}, reg, reconciler,
		session.Config{MinDigits: cfg.MinDialDigits}, logger)

	// Incoming call admission.
	controller := admission.NewController(&lineAdapter{manager}, reconciler, admission.Config{
		RingDeadline:    cfg.RingTimeout(),
		TimeoutStatus:   cfg.TimeoutStatus,
		RejectStatus:    cfg.RejectStatus,
		LogBusyAttempts: cfg.LogBusyCalls,
		Registration:    &regGate{reg},
	}, logger)

	// Route transport events to the session manager and the admission
	// controller. The dispatcher runs on the transport's goroutines, so
	// handlers must not block.
	dispatcher := &eventDispatcher{manager: manager, admission: controller, registrar: reg}
	phone.SetHandler(dispatcher.handle)

	// Push notifications wake the agent for calls that arrive while the
	// SIP binding is stale. Subscription starts once the first
	// registration reveals the device identity.
	if cfg.RedisAddr != "" {
		rdb, err := push.Open(appCtx, push.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		sub := push.NewSubscriber(rdb, &pushHandler{
			admission:  controller,
			manager:    manager,
			reconciler: reconciler,
		}, logger)
		var once sync.Once
		reg.SetOnChange(func(st registrar.State) {
			if st.Status != registrar.StatusRegistered || st.Identity == "" {
				return
			}
			once.Do(func() {
				go func() {
					if err := sub.Run(appCtx, st.Identity); err != nil && appCtx.Err() == nil {
						slog.Error("push subscriber stopped", "error", err)
					}
				}()
			})
		})
	}

	// SetOnChange is installed; the registration loop may start.
	go reg.Run(appCtx)

	// Periodic call log refresh keeps the cache warm.
	if interval := cfg.LogRefreshInterval(); interval > 0 {
		go refreshLoop(appCtx, reconciler, interval)
	}

	// Metrics registry with the scrape-time collector.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(manager, reg, store, controller, reconciler, time.Now()))

	// HTTP control API.
	handler := api.NewServer(manager, controller, viewModel, reg, api.Config{
		APIKeyHash:     cfg.APIKeyHash,
		CORSOrigins:    middleware.ParseCORSOrigins(cfg.CORSOrigins),
		TLSEnabled:     cfg.TLSEnabled(),
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")

	// End any live call before tearing down the transport.
	if _, err := manager.Hangup(ctx); err != nil && err != session.ErrNoActiveCall {
		slog.Warn("hangup on shutdown failed", "error", err)
	}
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("dialer agent stopped")
}

// refreshLoop refreshes the call log cache on a fixed interval. Failures
// are already logged by the reconciler; the cache simply stays stale.
func refreshLoop(ctx context.Context, reconciler *calllog.Reconciler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := reconciler.Refresh(refreshCtx, 0); err != nil {
				slog.Debug("background call log refresh failed", "error", err)
			}
			cancel()
		}
	}
}
