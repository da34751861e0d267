// ABOUTME: Enqueue path for the outbox: captures a failed mutating request as a durable QueueItem
// ABOUTME: Assigns time-ordered IDs and notifies the foreground via the bus

package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/harborpos/outpost/internal/bus"
	"github.com/harborpos/outpost/internal/dedupe"
	"github.com/harborpos/outpost/internal/store"
)

// HeaderIdempotencyKey lets clients tag a mutation so their own retries of
// it are captured at most once.
const HeaderIdempotencyKey = "Idempotency-Key"

// dedupeTTL bounds how long an idempotency key suppresses re-capture.
const dedupeTTL = 24 * time.Hour

// dedupeMaxSize bounds the idempotency cache.
const dedupeMaxSize = 10000

// Queue captures failed mutating requests into the durable store.
type Queue struct {
	store  store.Store
	bus    *bus.Bus
	keys   *dedupe.Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a Queue. Pass nil logger for the default logger.
func NewQueue(s store.Store, b *bus.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  s,
		bus:    b,
		keys:   dedupe.New(dedupeTTL, dedupeMaxSize),
		logger: logger.With("component", "outbox"),
		now:    time.Now,
	}
}

// Close stops the idempotency cache's cleanup goroutine. Safe to call more
// than once.
func (q *Queue) Close() {
	q.keys.Close()
}

// Enqueue persists the request as a QueueItem and publishes a Queued message.
// body is the already-read request body; pass nil for bodiless methods.
// The new item is immediately eligible for replay.
func (q *Queue) Enqueue(ctx context.Context, req *http.Request, body []byte) (*store.QueueItem, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating item id: %w", err)
	}

	// A client retrying its own failed mutation must not be captured twice.
	idemKey := req.Header.Get(HeaderIdempotencyKey)
	if idemKey != "" {
		if existingID, dup := q.keys.CheckAndMark(idemKey, id.String()); dup {
			existing, err := q.store.GetItem(ctx, existingID)
			if err == nil {
				q.logger.Info("duplicate capture suppressed",
					"idempotency_key", idemKey, "id", existingID)
				return existing, nil
			}
			// Item already replayed or discarded; capture fresh.
			q.keys.Forget(idemKey)
			q.keys.CheckAndMark(idemKey, id.String())
		}
	}

	// Flatten headers to single values; the replay path re-sets them one by one.
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	now := q.now().UTC()
	item := &store.QueueItem{
		ID:            id.String(),
		URL:           req.URL.String(),
		Method:        req.Method,
		Headers:       headers,
		Body:          body,
		CreatedAt:     now,
		Attempts:      0,
		NextAttemptAt: now,
	}

	if err := q.store.EnqueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueuing request: %w", err)
	}

	entity := store.EntityFromURL(item.URL)
	q.logger.Info("queued failed mutation",
		"id", item.ID, "method", item.Method, "url", item.URL, "entity", entity)

	if q.bus != nil {
		q.bus.Publish(bus.Queued{ItemID: item.ID, Entity: entity})
	}

	return item, nil
}
