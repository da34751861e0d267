// ABOUTME: Flush loop that replays queued mutations with backoff and retry classification
// ABOUTME: Coalesces concurrent flush invocations and reports per-pass counters on the bus

package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sync/atomic"
	"time"

	"github.com/harborpos/outpost/internal/bus"
	"github.com/harborpos/outpost/internal/conflict"
	"github.com/harborpos/outpost/internal/store"
	"github.com/harborpos/outpost/internal/version"
)

// TokenSource supplies the current credential for replayed requests.
// A nil TokenSource or empty token leaves the originally captured
// Authorization header in place.
type TokenSource interface {
	Token() string
}

// ConflictSink receives version divergences observed during replay.
// Satisfied by conflict.Detector.
type ConflictSink interface {
	Detect(ctx context.Context, local, remote conflict.Snapshot) (conflict.Outcome, error)
}

// Summary holds the outcome counters of one flush pass. Conflicts counts
// items whose replay was rejected as stale; they leave the queue but live on
// as pending conflict records rather than being lost.
type Summary struct {
	OK        int
	Fail      int
	Deferred  int
	Discarded int
	Conflicts int

	// Coalesced is true when this call joined an already-running pass
	// instead of executing its own.
	Coalesced bool
}

// Flusher drains the outbox: it replays each eligible item, deletes it on
// success, reschedules it with backoff on retryable failure, and discards it
// on non-retryable failure or when the attempt budget is exhausted.
type Flusher struct {
	store     store.Store
	client    *http.Client
	bus       *bus.Bus
	backoff   Backoff
	tokens    TokenSource
	conflicts ConflictSink
	logger    *slog.Logger

	// maxAttempts discards an item after this many failed replays; 0 means
	// unbounded.
	maxAttempts int

	// wake, when set, is called after a pass that leaves items behind, with
	// the earliest time any remaining item becomes eligible.
	wake func(at time.Time)

	// now is a clock hook for tests.
	now func() time.Time

	inFlight atomic.Bool
	rerun    atomic.Bool
}

// Option configures a Flusher.
type Option func(*Flusher)

// WithMaxAttempts sets the discard threshold. 0 disables discarding.
func WithMaxAttempts(n int) Option {
	return func(f *Flusher) { f.maxAttempts = n }
}

// WithTokenSource sets the credential source for replayed requests.
func WithTokenSource(ts TokenSource) Option {
	return func(f *Flusher) { f.tokens = ts }
}

// WithWake sets the follow-up wake callback.
func WithWake(wake func(at time.Time)) Option {
	return func(f *Flusher) { f.wake = wake }
}

// WithConflictSink routes 409 replay responses into conflict detection.
func WithConflictSink(sink ConflictSink) Option {
	return func(f *Flusher) { f.conflicts = sink }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Flusher) { f.now = now }
}

// NewFlusher creates a Flusher. Pass nil client for http.DefaultClient and
// nil logger for the default logger.
func NewFlusher(s store.Store, client *http.Client, b *bus.Bus, backoff Backoff, logger *slog.Logger, opts ...Option) *Flusher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Flusher{
		store:   s,
		client:  client,
		bus:     b,
		backoff: backoff,
		logger:  logger.With("component", "outbox"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Flush runs one pass over the outbox. Safe to invoke concurrently: a call
// arriving while a pass is running marks a rerun and returns immediately, so
// no item can be replayed by two passes at once.
func (f *Flusher) Flush(ctx context.Context) (Summary, error) {
	if !f.inFlight.CompareAndSwap(false, true) {
		f.rerun.Store(true)
		return Summary{Coalesced: true}, nil
	}
	defer f.inFlight.Store(false)

	var total Summary
	for {
		sum, err := f.pass(ctx)
		total.OK += sum.OK
		total.Fail += sum.Fail
		total.Deferred += sum.Deferred
		total.Discarded += sum.Discarded
		total.Conflicts += sum.Conflicts
		if err != nil {
			return total, err
		}
		// A flush requested mid-pass gets its own full pass.
		if f.rerun.CompareAndSwap(true, false) {
			continue
		}
		return total, nil
	}
}

// pass iterates all stored items once and applies the replay policy.
func (f *Flusher) pass(ctx context.Context) (Summary, error) {
	items, err := f.store.ListItems(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing outbox: %w", err)
	}

	var sum Summary
	var earliest time.Time
	remaining := 0

	for _, item := range items {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		now := f.now()
		if item.NextAttemptAt.After(now) {
			sum.Deferred++
			remaining++
			if earliest.IsZero() || item.NextAttemptAt.Before(earliest) {
				earliest = item.NextAttemptAt
			}
			continue
		}

		switch f.replay(ctx, item) {
		case replayOK:
			if err := f.store.DeleteItem(ctx, item.ID); err != nil {
				return sum, fmt.Errorf("deleting replayed item %s: %w", item.ID, err)
			}
			sum.OK++
			f.logger.Info("replayed queued request",
				"id", item.ID, "method", item.Method, "url", item.URL)

		case replayDiscard:
			if err := f.store.DeleteItem(ctx, item.ID); err != nil {
				return sum, fmt.Errorf("discarding item %s: %w", item.ID, err)
			}
			sum.Discarded++
			f.logger.Warn("discarded non-retryable request",
				"id", item.ID, "method", item.Method, "url", item.URL,
				"attempts", item.Attempts)

		case replayConflict:
			if err := f.store.DeleteItem(ctx, item.ID); err != nil {
				return sum, fmt.Errorf("removing conflicted item %s: %w", item.ID, err)
			}
			sum.Conflicts++

		case replayRetry:
			item.Attempts++
			if f.maxAttempts > 0 && item.Attempts >= f.maxAttempts {
				if err := f.store.DeleteItem(ctx, item.ID); err != nil {
					return sum, fmt.Errorf("discarding exhausted item %s: %w", item.ID, err)
				}
				sum.Discarded++
				f.logger.Warn("discarded request after exhausting attempts",
					"id", item.ID, "attempts", item.Attempts)
				continue
			}

			delay := f.backoff.Delay(item.Attempts)
			item.NextAttemptAt = now.Add(delay)
			if err := f.store.UpdateItem(ctx, item); err != nil {
				return sum, fmt.Errorf("rescheduling item %s: %w", item.ID, err)
			}
			sum.Fail++
			remaining++
			if earliest.IsZero() || item.NextAttemptAt.Before(earliest) {
				earliest = item.NextAttemptAt
			}
			f.logger.Debug("rescheduled failed replay",
				"id", item.ID, "attempts", item.Attempts, "delay", delay)
		}
	}

	if f.bus != nil {
		f.bus.Publish(bus.Synced{
			OK:        sum.OK,
			Fail:      sum.Fail,
			Deferred:  sum.Deferred,
			Discarded: sum.Discarded,
			Conflicts: sum.Conflicts,
		})
	}

	// Request a follow-up wake so one flush call eventually drains the queue
	// without external polling.
	if remaining > 0 && f.wake != nil && !earliest.IsZero() {
		f.wake(earliest)
	}

	return sum, nil
}

// replayResult classifies the outcome of one replay attempt.
type replayResult int

const (
	replayOK       replayResult = iota // 2xx: delete the item
	replayRetry                        // network error, 5xx, 408, 429: reschedule
	replayDiscard                      // other 4xx: permanently drop
	replayConflict                     // 409: remove from queue, survives as a conflict record
)

// replay re-issues the original request with the current credential.
func (f *Flusher) replay(ctx context.Context, item *store.QueueItem) replayResult {
	var body *bytes.Reader
	if item.Body != nil {
		body = bytes.NewReader(item.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, body)
	if err != nil {
		// The request line was valid when captured; a build failure now means
		// the item can never replay.
		f.logger.Error("rebuilding queued request failed", "id", item.ID, "error", err)
		return replayDiscard
	}

	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}
	// Replays are agent-managed; the interception layer must not re-queue them.
	req.Header.Set(version.HeaderOutboxManaged, "1")
	if f.tokens != nil {
		if tok := f.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return replayRetry
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return replayOK
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return replayRetry
	case resp.StatusCode == http.StatusConflict:
		f.detectConflict(ctx, item, resp.Body)
		return replayConflict
	case resp.StatusCode >= 400:
		return replayDiscard
	default:
		// 3xx from an API endpoint is unexpected; retry rather than lose the write.
		return replayRetry
	}
}

// conflictBody is the shape the upstream uses to reject a stale write: the
// authoritative version plus the current entity state.
type conflictBody struct {
	Version int64          `json:"version"`
	Data    map[string]any `json:"data"`
}

// detectConflict feeds a 409 rejection into the conflict detector. The local
// snapshot comes from the captured payload, whose version field reflects the
// state the client edited.
func (f *Flusher) detectConflict(ctx context.Context, item *store.QueueItem, body io.Reader) {
	if f.conflicts == nil {
		return
	}

	var remote conflictBody
	if err := json.NewDecoder(body).Decode(&remote); err != nil || remote.Data == nil {
		f.logger.Warn("conflict response without usable snapshot", "id", item.ID)
		return
	}

	var localData map[string]any
	if err := json.Unmarshal(item.Body, &localData); err != nil {
		f.logger.Warn("queued payload is not a JSON object, cannot diff", "id", item.ID)
		return
	}
	var localVersion int64
	if v, ok := localData["version"].(float64); ok {
		localVersion = int64(v)
	}

	u, err := url.Parse(item.URL)
	if err != nil {
		return
	}
	entity := store.EntityFromURL(item.URL)
	entityID := path.Base(u.Path)

	local := conflict.Snapshot{Entity: entity, ID: entityID, Version: localVersion, Data: localData}
	authoritative := conflict.Snapshot{Entity: entity, ID: entityID, Version: remote.Version, Data: remote.Data}

	outcome, err := f.conflicts.Detect(ctx, local, authoritative)
	if err != nil {
		f.logger.Error("conflict detection failed", "id", item.ID, "error", err)
		return
	}
	f.logger.Info("replay rejected as stale",
		"id", item.ID, "entity", entity, "entity_id", entityID,
		"local_version", localVersion, "remote_version", remote.Version,
		"outcome", outcome.String())
}
