// ABOUTME: Top-level agent wiring all components together
// ABOUTME: Owns the store, bus, interceptor, flusher, trigger, and local HTTP server

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/harborpos/outpost/internal/api"
	"github.com/harborpos/outpost/internal/bus"
	"github.com/harborpos/outpost/internal/config"
	"github.com/harborpos/outpost/internal/conflict"
	"github.com/harborpos/outpost/internal/intercept"
	"github.com/harborpos/outpost/internal/outbox"
	"github.com/harborpos/outpost/internal/refresh"
	"github.com/harborpos/outpost/internal/store"
	"github.com/harborpos/outpost/internal/trigger"
	"github.com/harborpos/outpost/internal/version"
)

// renewalCheckInterval is how often the agent checks whether the stored
// credential is close to expiry.
const renewalCheckInterval = time.Minute

// renewalWindow is how far ahead of expiry the agent refreshes proactively.
const renewalWindow = 5 * time.Minute

// pruneInterval is how often expired cache entries are removed.
const pruneInterval = time.Hour

// Agent owns every component of the offline layer and their lifecycles.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *store.SQLiteStore
	bus         *bus.Bus
	queue       *outbox.Queue
	coordinator *refresh.Coordinator
	flusher     *outbox.Flusher
	trigger     *trigger.Trigger
	detector    *conflict.Detector
	httpServer  *http.Server
	apiServer   *api.Server
}

// New wires up the agent from configuration. The returned Agent is not
// running until Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	upstreamURL, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream base URL: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	b := bus.New(logger)

	// The token store talks to the auth endpoint directly; routing it
	// through the interceptor would recurse on a 401.
	tokens, err := refresh.NewFileTokens(cfg.Auth.TokenFile, cfg.Auth.RefreshURL, http.DefaultClient, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("loading token store: %w", err)
	}
	coordinator := refresh.NewCoordinator(tokens, b, logger)

	queue := outbox.NewQueue(s, b, logger)
	interceptor := intercept.New(http.DefaultTransport, s, queue, coordinator, cfg.Cache.SensitivePaths, logger)

	// Replays go through the interceptor so a 401 during replay gets the
	// same single-flight refresh treatment as live traffic.
	interceptClient := &http.Client{Transport: interceptor}

	detector := conflict.NewDetector(s, b, logger)

	var trig *trigger.Trigger
	flusher := outbox.NewFlusher(s, interceptClient, b,
		outbox.Backoff{Base: cfg.Outbox.BaseBackoff, Max: cfg.Outbox.MaxBackoff},
		logger,
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithTokenSource(coordinator),
		outbox.WithConflictSink(detector),
		outbox.WithWake(func(at time.Time) {
			if trig != nil {
				trig.Wake(at)
			}
		}),
	)

	probeURL := upstreamURL.JoinPath(cfg.Upstream.HealthPath).String()
	trig, err = trigger.New(flusher, b, http.DefaultClient, probeURL, cfg.Sync.ProbeInterval, cfg.Sync.WakeSchedule, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating sync trigger: %w", err)
	}

	resolver := conflict.NewResolver(s, interceptClient, cfg.Upstream.BaseURL, logger)

	apiServer := api.New(s, b, trig, resolver, upstreamURL, interceptor, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: apiServer.Routes(),
	}

	return &Agent{
		cfg:         cfg,
		logger:      logger.With("component", "agent"),
		store:       s,
		bus:         b,
		queue:       queue,
		coordinator: coordinator,
		flusher:     flusher,
		trigger:     trig,
		detector:    detector,
		httpServer:  httpServer,
		apiServer:   apiServer,
	}, nil
}

// Bus exposes the message bus for embedding hosts.
func (a *Agent) Bus() *bus.Bus {
	return a.bus
}

// Detector exposes the conflict detector so sync consumers can feed it
// version information.
func (a *Agent) Detector() *conflict.Detector {
	return a.detector
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down cleanly.
func (a *Agent) Run(ctx context.Context) error {
	a.bus.Publish(bus.VersionInfo{Build: version.Build, Version: version.Version})

	go a.apiServer.WatchBus(ctx)
	go a.trigger.Run(ctx)
	go a.renewalLoop(ctx)
	go a.pruneLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.queue.Close()
		a.store.Close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", "error", err)
	}

	a.queue.Close()
	return a.store.Close()
}

// renewalLoop refreshes the credential shortly before it expires so live
// traffic rarely sees a 401.
func (a *Agent) renewalLoop(ctx context.Context) {
	ticker := time.NewTicker(renewalCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.coordinator.ExpiresWithin(renewalWindow) {
				continue
			}
			a.logger.Info("credential near expiry, refreshing")
			if _, err := a.coordinator.Refresh(ctx); err != nil {
				a.logger.Warn("proactive refresh failed", "error", err)
			}
		}
	}
}

// pruneLoop removes cached responses older than the configured max age.
func (a *Agent) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.PruneCachedResponses(ctx, time.Now().Add(-a.cfg.Cache.MaxAge))
			if err != nil {
				a.logger.Error("cache prune failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("pruned cached responses", "count", n)
			}
		}
	}
}
