// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides outbox, conflict, and response cache persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			method TEXT NOT NULL,
			headers TEXT NOT NULL,
			body BLOB,
			entity TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_outbox_next_attempt
			ON outbox(next_attempt_at);

		CREATE INDEX IF NOT EXISTS idx_outbox_entity
			ON outbox(entity);

		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			local TEXT NOT NULL,
			remote TEXT NOT NULL,
			local_version INTEGER NOT NULL,
			remote_version INTEGER NOT NULL,
			detected_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_entity_id
			ON conflicts(entity, entity_id);

		CREATE TABLE IF NOT EXISTS response_cache (
			path TEXT PRIMARY KEY,
			status INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			body BLOB NOT NULL,
			stored_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// EntityFromURL derives the entity identifier from a request URL: the first
// path segment after an /api/ (or /api/vN/) prefix, or the first path segment
// otherwise. Returns "" if the URL has no usable path.
func EntityFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "api" {
			parts = parts[i+1:]
			break
		}
	}
	// Skip a version segment like v1, v2
	if len(parts) > 0 && len(parts[0]) >= 2 && parts[0][0] == 'v' {
		if _, err := fmt.Sscanf(parts[0], "v%d", new(int)); err == nil {
			parts = parts[1:]
		}
	}
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	return parts[0]
}

// EnqueueItem persists a queue item keyed by ID. Headers are stored as JSON.
func (s *SQLiteStore) EnqueueItem(ctx context.Context, item *QueueItem) error {
	headers, err := json.Marshal(item.Headers)
	if err != nil {
		return fmt.Errorf("serializing headers: %w", err)
	}

	var body any
	if item.Body != nil {
		body = item.Body
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, url, method, headers, body, entity, created_at, attempts, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.URL, item.Method, string(headers), body,
		EntityFromURL(item.URL), item.CreatedAt, item.Attempts, item.NextAttemptAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateItem
		}
		return fmt.Errorf("inserting queue item: %w", err)
	}

	return nil
}

// GetItem retrieves a queue item by ID. Returns ErrNotFound if it does not exist.
func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, method, headers, body, created_at, attempts, next_attempt_at
		FROM outbox WHERE id = ?`, id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue item: %w", err)
	}

	return item, nil
}

// ListItems returns all queued items ordered by ID. IDs are time-ordered, so
// this is enqueue order.
func (s *SQLiteStore) ListItems(ctx context.Context) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, method, headers, body, created_at, attempts, next_attempt_at
		FROM outbox ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// UpdateItem persists attempts and next_attempt_at for an existing item.
// Returns ErrNotFound if the item does not exist.
func (s *SQLiteStore) UpdateItem(ctx context.Context, item *QueueItem) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = ?, next_attempt_at = ? WHERE id = ?`,
		item.Attempts, item.NextAttemptAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("updating queue item: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteItem removes a queue item. Deleting an absent item is not an error.
func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting queue item: %w", err)
	}
	return nil
}

// CountItems returns the number of pending queue items.
func (s *SQLiteStore) CountItems(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting queue items: %w", err)
	}
	return count, nil
}

// PendingByEntity returns pending item counts grouped by entity, most pending first.
func (s *SQLiteStore) PendingByEntity(ctx context.Context) ([]EntityCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, COUNT(*) FROM outbox GROUP BY entity ORDER BY COUNT(*) DESC, entity`)
	if err != nil {
		return nil, fmt.Errorf("querying pending counts: %w", err)
	}
	defer rows.Close()

	var counts []EntityCount
	for rows.Next() {
		var ec EntityCount
		if err := rows.Scan(&ec.Entity, &ec.Count); err != nil {
			return nil, fmt.Errorf("scanning pending count: %w", err)
		}
		counts = append(counts, ec)
	}

	return counts, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanItem
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*QueueItem, error) {
	var item QueueItem
	var headers string
	var body []byte

	err := row.Scan(&item.ID, &item.URL, &item.Method, &headers, &body,
		&item.CreatedAt, &item.Attempts, &item.NextAttemptAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(headers), &item.Headers); err != nil {
		return nil, fmt.Errorf("deserializing headers: %w", err)
	}
	item.Body = body

	return &item, nil
}

// SaveConflict upserts a conflict record keyed by (entity, entity_id).
// Re-detecting the same conflict replaces the stored snapshots.
func (s *SQLiteStore) SaveConflict(ctx context.Context, c *Conflict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, entity, entity_id, local, remote, local_version, remote_version, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, entity_id) DO UPDATE SET
			local = excluded.local,
			remote = excluded.remote,
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			detected_at = excluded.detected_at`,
		c.ID, c.Entity, c.EntityID, string(c.Local), string(c.Remote),
		c.LocalVersion, c.RemoteVersion, c.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("saving conflict: %w", err)
	}
	return nil
}

// GetConflict retrieves a conflict by entity and entity ID.
func (s *SQLiteStore) GetConflict(ctx context.Context, entity, entityID string) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity, entity_id, local, remote, local_version, remote_version, detected_at
		FROM conflicts WHERE entity = ? AND entity_id = ?`, entity, entityID)

	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conflict: %w", err)
	}

	return c, nil
}

// ListConflicts returns all pending conflicts grouped by entity.
func (s *SQLiteStore) ListConflicts(ctx context.Context) ([]*Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, entity_id, local, remote, local_version, remote_version, detected_at
		FROM conflicts ORDER BY entity, detected_at`)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}

// DeleteConflict removes a conflict. Deleting an absent conflict is a no-op,
// which makes resolution idempotent.
func (s *SQLiteStore) DeleteConflict(ctx context.Context, entity, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conflicts WHERE entity = ? AND entity_id = ?`, entity, entityID)
	if err != nil {
		return fmt.Errorf("deleting conflict: %w", err)
	}
	return nil
}

func scanConflict(row scanner) (*Conflict, error) {
	var c Conflict
	var local, remote string

	err := row.Scan(&c.ID, &c.Entity, &c.EntityID, &local, &remote,
		&c.LocalVersion, &c.RemoteVersion, &c.DetectedAt)
	if err != nil {
		return nil, err
	}

	c.Local = []byte(local)
	c.Remote = []byte(remote)

	return &c, nil
}

// PutCachedResponse upserts a cached response keyed by path.
func (s *SQLiteStore) PutCachedResponse(ctx context.Context, resp *CachedResponse) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO response_cache (path, status, content_type, body, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			status = excluded.status,
			content_type = excluded.content_type,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		resp.Path, resp.Status, resp.ContentType, resp.Body, resp.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("caching response: %w", err)
	}
	return nil
}

// GetCachedResponse retrieves the last cached response for a path.
func (s *SQLiteStore) GetCachedResponse(ctx context.Context, path string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, status, content_type, body, stored_at
		FROM response_cache WHERE path = ?`, path)

	var resp CachedResponse
	err := row.Scan(&resp.Path, &resp.Status, &resp.ContentType, &resp.Body, &resp.StoredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cached response: %w", err)
	}

	return &resp, nil
}

// PruneCachedResponses deletes cached responses stored before the cutoff and
// returns the number removed.
func (s *SQLiteStore) PruneCachedResponses(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM response_cache WHERE stored_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning response cache: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking prune result: %w", err)
	}

	return int(n), nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
