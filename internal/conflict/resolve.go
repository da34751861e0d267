// ABOUTME: Conflict resolution: applies the user's choice of local, remote, or an explicit merge
// ABOUTME: Removes the pending record only after the resolution is applied and acknowledged

package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/harborpos/outpost/internal/store"
	"github.com/harborpos/outpost/internal/version"
)

// Choice selects which side of a conflict becomes authoritative.
type Choice string

const (
	// ChoiceLocal re-submits the local snapshot to the server.
	ChoiceLocal Choice = "local"
	// ChoiceRemote discards the local snapshot and accepts the server value.
	ChoiceRemote Choice = "remote"
)

// ErrUnknownChoice is returned for a resolution choice other than local or remote.
var ErrUnknownChoice = errors.New("unknown resolution choice")

// Resolver applies conflict resolutions against the upstream API and the
// local cache.
type Resolver struct {
	store   store.Store
	client  *http.Client
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// NewResolver creates a Resolver. baseURL is the upstream API origin. Pass
// nil client for http.DefaultClient and nil logger for the default logger.
func NewResolver(s store.Store, client *http.Client, baseURL string, logger *slog.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   s,
		client:  client,
		baseURL: baseURL,
		logger:  logger.With("component", "conflict"),
		now:     time.Now,
	}
}

// List returns all pending conflicts, grouped by entity.
func (r *Resolver) List(ctx context.Context) ([]*store.Conflict, error) {
	return r.store.ListConflicts(ctx)
}

// Resolve applies the user's choice for one conflict. An explicit merged
// payload in data overrides the chosen snapshot. Resolving a conflict that
// no longer exists is a no-op, so double resolution is harmless. On failure
// the conflict stays pending and the error is returned for retry.
func (r *Resolver) Resolve(ctx context.Context, entity, entityID string, choice Choice, data json.RawMessage) error {
	c, err := r.store.GetConflict(ctx, entity, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading conflict: %w", err)
	}

	payload := data
	switch choice {
	case ChoiceLocal:
		if payload == nil {
			payload = json.RawMessage(c.Local)
		}
		if err := r.submit(ctx, entity, entityID, payload); err != nil {
			return fmt.Errorf("re-submitting local state: %w", err)
		}
	case ChoiceRemote:
		if payload == nil {
			payload = json.RawMessage(c.Remote)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}

	// Accept the winning value into the local cache so reads agree with the
	// resolution immediately.
	path := fmt.Sprintf("/api/v1/%s/%s", entity, entityID)
	err = r.store.PutCachedResponse(ctx, &store.CachedResponse{
		Path:        path,
		Status:      http.StatusOK,
		ContentType: "application/json",
		Body:        payload,
		StoredAt:    r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("updating local cache: %w", err)
	}

	if err := r.store.DeleteConflict(ctx, entity, entityID); err != nil {
		return fmt.Errorf("clearing conflict: %w", err)
	}

	r.logger.Info("conflict resolved",
		"entity", entity, "id", entityID, "choice", string(choice))
	return nil
}

// submit writes the payload as the authoritative value upstream.
func (r *Resolver) submit(ctx context.Context, entity, entityID string, payload json.RawMessage) error {
	url := fmt.Sprintf("%s/api/v1/%s/%s", r.baseURL, entity, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// Resolution writes are deliberate user actions; a failure surfaces for
	// retry instead of slipping into the outbox.
	req.Header.Set(version.HeaderOutboxManaged, "1")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream rejected resolution: status %d", resp.StatusCode)
	}
	return nil
}
