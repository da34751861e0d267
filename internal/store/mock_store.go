// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	items     map[string]*QueueItem      // keyed by item ID
	conflicts map[string]*Conflict       // keyed by "entity:entityID"
	cache     map[string]*CachedResponse // keyed by path
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		items:     make(map[string]*QueueItem),
		conflicts: make(map[string]*Conflict),
		cache:     make(map[string]*CachedResponse),
	}
}

// EnqueueItem stores a new queue item.
func (m *MockStore) EnqueueItem(ctx context.Context, item *QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[item.ID]; exists {
		return ErrDuplicateItem
	}

	// Make a copy to avoid external modification
	i := *item
	m.items[i.ID] = &i
	return nil
}

// GetItem retrieves a queue item by ID.
func (m *MockStore) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *i
	return &result, nil
}

// ListItems returns all items ordered by ID.
func (m *MockStore) ListItems(ctx context.Context) ([]*QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]*QueueItem, 0, len(m.items))
	for _, i := range m.items {
		result := *i
		items = append(items, &result)
	}
	sort.Slice(items, func(a, b int) bool { return items[a].ID < items[b].ID })
	return items, nil
}

// UpdateItem updates an existing item's retry state.
func (m *MockStore) UpdateItem(ctx context.Context, item *QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.items[item.ID]
	if !ok {
		return ErrNotFound
	}

	existing.Attempts = item.Attempts
	existing.NextAttemptAt = item.NextAttemptAt
	return nil
}

// DeleteItem removes an item.
func (m *MockStore) DeleteItem(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, id)
	return nil
}

// CountItems returns the number of pending items.
func (m *MockStore) CountItems(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

// PendingByEntity returns pending counts grouped by the entity of each item URL.
func (m *MockStore) PendingByEntity(ctx context.Context) ([]EntityCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byEntity := make(map[string]int)
	for _, i := range m.items {
		byEntity[EntityFromURL(i.URL)]++
	}

	counts := make([]EntityCount, 0, len(byEntity))
	for entity, count := range byEntity {
		counts = append(counts, EntityCount{Entity: entity, Count: count})
	}
	sort.Slice(counts, func(a, b int) bool {
		if counts[a].Count != counts[b].Count {
			return counts[a].Count > counts[b].Count
		}
		return counts[a].Entity < counts[b].Entity
	})
	return counts, nil
}

// SaveConflict upserts a conflict keyed by entity and entity ID.
func (m *MockStore) SaveConflict(ctx context.Context, c *Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *c
	m.conflicts[c.Entity+":"+c.EntityID] = &copied
	return nil
}

// GetConflict retrieves a conflict.
func (m *MockStore) GetConflict(ctx context.Context, entity, entityID string) (*Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conflicts[entity+":"+entityID]
	if !ok {
		return nil, ErrNotFound
	}

	result := *c
	return &result, nil
}

// ListConflicts returns all conflicts grouped by entity.
func (m *MockStore) ListConflicts(ctx context.Context) ([]*Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conflicts := make([]*Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		result := *c
		conflicts = append(conflicts, &result)
	}
	sort.Slice(conflicts, func(a, b int) bool {
		if conflicts[a].Entity != conflicts[b].Entity {
			return conflicts[a].Entity < conflicts[b].Entity
		}
		return conflicts[a].DetectedAt.Before(conflicts[b].DetectedAt)
	})
	return conflicts, nil
}

// DeleteConflict removes a conflict. Absent conflicts are a no-op.
func (m *MockStore) DeleteConflict(ctx context.Context, entity, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conflicts, entity+":"+entityID)
	return nil
}

// PutCachedResponse stores a cached response keyed by path.
func (m *MockStore) PutCachedResponse(ctx context.Context, resp *CachedResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *resp
	m.cache[resp.Path] = &copied
	return nil
}

// GetCachedResponse retrieves a cached response by path.
func (m *MockStore) GetCachedResponse(ctx context.Context, path string) (*CachedResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.cache[path]
	if !ok {
		return nil, ErrNotFound
	}

	result := *r
	return &result, nil
}

// PruneCachedResponses removes entries stored before the cutoff.
func (m *MockStore) PruneCachedResponses(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for path, r := range m.cache {
		if r.StoredAt.Before(olderThan) {
			delete(m.cache, path)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
