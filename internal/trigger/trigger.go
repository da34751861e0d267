// ABOUTME: Sync trigger that decides when the outbox flush runs
// ABOUTME: Converges connectivity restoration, periodic cron wakes, sync-now commands, and follow-up wakes

package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harborpos/outpost/internal/bus"
	"github.com/harborpos/outpost/internal/outbox"
)

// Flusher is the flush entry point all triggers converge on. It must be safe
// to invoke concurrently, which outbox.Flusher guarantees by coalescing.
type Flusher interface {
	Flush(ctx context.Context) (outbox.Summary, error)
}

// Trigger fans all wake sources into one Flush entry point: a connectivity
// probe firing on offline-to-online transitions, a periodic cron wake as a
// fallback, SyncNow commands from the foreground, and follow-up wakes
// requested by the flusher itself.
type Trigger struct {
	flusher       Flusher
	bus           *bus.Bus
	client        *http.Client
	cron          *cron.Cron
	probeURL      string
	probeInterval time.Duration
	logger        *slog.Logger

	online atomic.Bool
	wakeCh chan time.Time
}

// New creates a Trigger. probeURL is the upstream health endpoint; the cron
// wakeSchedule is validated here. Pass nil client for http.DefaultClient and
// nil logger for the default logger.
func New(f Flusher, b *bus.Bus, client *http.Client, probeURL string, probeInterval time.Duration, wakeSchedule string, logger *slog.Logger) (*Trigger, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Trigger{
		flusher:       f,
		bus:           b,
		client:        client,
		cron:          cron.New(),
		probeURL:      probeURL,
		probeInterval: probeInterval,
		logger:        logger.With("component", "trigger"),
		wakeCh:        make(chan time.Time, 16),
	}
	// Assume online until a probe says otherwise, so the first failure is a
	// transition and the first success after it fires a flush.
	t.online.Store(true)

	if _, err := t.cron.AddFunc(wakeSchedule, func() { t.fire(context.Background(), "periodic_wake") }); err != nil {
		return nil, fmt.Errorf("parsing wake schedule %q: %w", wakeSchedule, err)
	}

	return t, nil
}

// Wake requests a flush at the given time. Used by the flusher for follow-up
// passes when items remain after a pass. Non-blocking; an overfull wake
// queue drops the request, which the next periodic wake covers.
func (t *Trigger) Wake(at time.Time) {
	select {
	case t.wakeCh <- at:
	default:
	}
}

// Run blocks until ctx is cancelled, dispatching flushes for every trigger
// source. Cron and the probe are stopped on the way out.
func (t *Trigger) Run(ctx context.Context) error {
	msgs, _ := t.bus.Subscribe(ctx)

	t.cron.Start()
	defer t.cron.Stop()

	ticker := time.NewTicker(t.probeInterval)
	defer ticker.Stop()

	// One pending follow-up timer, always kept at the earliest requested wake.
	var timer *time.Timer
	var timerC <-chan time.Time
	var deadline time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	t.logger.Info("sync trigger running",
		"probe_url", t.probeURL, "probe_interval", t.probeInterval)

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if _, isSyncNow := msg.(bus.SyncNow); isSyncNow {
				t.fire(ctx, "sync_now")
			}

		case <-ticker.C:
			t.probe(ctx)

		case at := <-t.wakeCh:
			if timer != nil && !at.Before(deadline) {
				continue
			}
			stopTimer()
			deadline = at
			timer = time.NewTimer(time.Until(at))
			timerC = timer.C

		case <-timerC:
			timer, timerC = nil, nil
			t.fire(ctx, "follow_up")
		}
	}
}

// probe checks upstream reachability and fires a flush on the
// offline-to-online transition.
func (t *Trigger) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, t.probeInterval)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, t.probeURL, nil)
	if err != nil {
		return
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if t.online.Swap(false) {
			t.logger.Warn("connectivity lost", "error", err)
		}
		return
	}
	resp.Body.Close()

	if !t.online.Swap(true) {
		t.logger.Info("connectivity restored")
		t.fire(ctx, "connectivity_restored")
	}
}

// Online reports the last observed connectivity state.
func (t *Trigger) Online() bool {
	return t.online.Load()
}

// fire dispatches a flush without blocking the event loop.
func (t *Trigger) fire(ctx context.Context, reason string) {
	t.logger.Debug("flush triggered", "reason", reason)
	go func() {
		if _, err := t.flusher.Flush(ctx); err != nil {
			t.logger.Error("flush failed", "reason", reason, "error", err)
		}
	}()
}
