// ABOUTME: Store interface and data types for outpost persistence
// ABOUTME: Defines QueueItem, Conflict, CachedResponse and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateItem is returned when enqueuing an item whose ID already exists
var ErrDuplicateItem = errors.New("item already queued")

// QueueItem is one durable record for a mutating request that failed for
// network reasons and awaits replay. An item exists only while it has not
// been successfully replayed and has not been discarded.
type QueueItem struct {
	ID            string            // time-ordered, assigned at enqueue
	URL           string
	Method        string
	Headers       map[string]string
	Body          []byte // nil for bodiless methods
	CreatedAt     time.Time
	Attempts      int       // failed replay attempts so far
	NextAttemptAt time.Time // item must not be retried before this
}

// Conflict records a divergence between a local pending change and the
// authoritative remote state of the same entity. It exists only while
// unresolved.
type Conflict struct {
	ID            string
	Entity        string // collection/table identifier
	EntityID      string
	Local         []byte // full local snapshot (JSON)
	Remote        []byte // full remote snapshot (JSON)
	LocalVersion  int64
	RemoteVersion int64
	DetectedAt    time.Time
}

// CachedResponse is a stored copy of an upstream response, used as the
// offline fallback for read-only and asset requests.
type CachedResponse struct {
	Path        string // request path, cache key
	Status      int
	ContentType string
	Body        []byte
	StoredAt    time.Time
}

// EntityCount pairs an entity identifier with a pending-item count.
type EntityCount struct {
	Entity string
	Count  int
}

// Store defines the interface for outbox, conflict, and response cache persistence
type Store interface {
	// Outbox queue
	EnqueueItem(ctx context.Context, item *QueueItem) error
	GetItem(ctx context.Context, id string) (*QueueItem, error)
	ListItems(ctx context.Context) ([]*QueueItem, error)
	UpdateItem(ctx context.Context, item *QueueItem) error
	DeleteItem(ctx context.Context, id string) error
	CountItems(ctx context.Context) (int, error)
	PendingByEntity(ctx context.Context) ([]EntityCount, error)

	// Conflicts
	SaveConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, entity, entityID string) (*Conflict, error)
	ListConflicts(ctx context.Context) ([]*Conflict, error)
	DeleteConflict(ctx context.Context, entity, entityID string) error

	// Response cache
	PutCachedResponse(ctx context.Context, resp *CachedResponse) error
	GetCachedResponse(ctx context.Context, path string) (*CachedResponse, error)
	PruneCachedResponses(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases any resources held by the store
	Close() error
}
