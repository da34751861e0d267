// ABOUTME: In-memory fan-out bus carrying typed messages between background agent and foreground
// ABOUTME: Non-blocking publish with per-subscriber buffered channels and context-scoped cleanup

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Message is the closed set of foreground<->background message kinds.
// Each variant is a concrete struct; consumers switch on the type.
type Message interface {
	Kind() string
}

// Queued signals that a failed mutation was captured into the outbox.
type Queued struct {
	ItemID string `json:"item_id"`
	Entity string `json:"entity"`
}

// Synced reports the outcome counters of one completed flush pass.
// Conflicts counts replays rejected as stale; unlike discarded items these
// survive as pending conflict records.
type Synced struct {
	OK        int `json:"ok"`
	Fail      int `json:"fail"`
	Deferred  int `json:"deferred"`
	Discarded int `json:"discarded"`
	Conflicts int `json:"conflicts"`
}

// SyncNow is a foreground command requesting an immediate flush.
type SyncNow struct{}

// VersionInfo is broadcast once when the agent activates.
type VersionInfo struct {
	Build   string `json:"build"`
	Version string `json:"version"`
}

// SessionExpired signals that a credential refresh failed and the user
// must re-authenticate.
type SessionExpired struct{}

// ConflictDetected signals that a sync pass found an unresolvable divergence.
type ConflictDetected struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

func (Queued) Kind() string           { return "queued" }
func (Synced) Kind() string           { return "synced" }
func (SyncNow) Kind() string          { return "sync_now" }
func (VersionInfo) Kind() string      { return "version_info" }
func (SessionExpired) Kind() string   { return "session_expired" }
func (ConflictDetected) Kind() string { return "conflict_detected" }

// Bus provides in-memory pub/sub for agent messages. The background
// components publish; the control API and foreground consumers subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Message
	logger      *slog.Logger
}

// New creates a bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]chan Message),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber and returns its channel and subscription
// ID. The subscription is removed automatically when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Message, string) {
	subID := uuid.New().String()
	ch := make(chan Message, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[subID]; ok {
		delete(b.subscribers, subID)
		close(ch)
	}
}

// Publish delivers msg to every subscriber. Non-blocking: subscribers whose
// buffers are full have the message dropped rather than stalling the agent.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("dropping message for slow subscriber",
				"kind", msg.Kind(),
				"sub_id", subID)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
