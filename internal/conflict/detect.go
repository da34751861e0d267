// ABOUTME: Conflict detection between local pending changes and authoritative remote state
// ABOUTME: Classifies divergence as none, auto-resolvable, or requiring manual resolution

package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/harborpos/outpost/internal/bus"
	"github.com/harborpos/outpost/internal/store"
)

// Snapshot is one side of a comparison: a full entity state with its version marker.
type Snapshot struct {
	Entity  string
	ID      string
	Version int64
	Data    map[string]any
}

// Outcome classifies what a comparison found.
type Outcome int

const (
	// OutcomeNone means versions match; nothing to do.
	OutcomeNone Outcome = iota
	// OutcomeAuto means the remote is strictly newer and the local change is
	// a no-op against it; remote wins silently.
	OutcomeAuto
	// OutcomeManual means the states diverged in ways that need user input;
	// a Conflict record was persisted.
	OutcomeManual
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuto:
		return "auto"
	case OutcomeManual:
		return "manual"
	default:
		return "none"
	}
}

// Detector compares entity snapshots during a sync pass and records
// divergence that cannot be silently reconciled.
type Detector struct {
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a Detector. Pass nil bus to skip foreground signals
// and nil logger for the default logger.
func NewDetector(s store.Store, b *bus.Bus, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		store:  s,
		bus:    b,
		logger: logger.With("component", "conflict"),
		now:    time.Now,
	}
}

// Detect compares the local snapshot against the server's current state for
// the same entity. A manual outcome persists a Conflict record and notifies
// the foreground.
func (d *Detector) Detect(ctx context.Context, local, remote Snapshot) (Outcome, error) {
	if local.Version == remote.Version {
		return OutcomeNone, nil
	}

	if remote.Version > local.Version && isSubset(local.Data, remote.Data) {
		d.logger.Debug("auto-resolved divergence, remote wins",
			"entity", local.Entity, "id", local.ID,
			"local_version", local.Version, "remote_version", remote.Version)
		return OutcomeAuto, nil
	}

	localJSON, err := json.Marshal(local.Data)
	if err != nil {
		return OutcomeNone, fmt.Errorf("serializing local snapshot: %w", err)
	}
	remoteJSON, err := json.Marshal(remote.Data)
	if err != nil {
		return OutcomeNone, fmt.Errorf("serializing remote snapshot: %w", err)
	}

	c := &store.Conflict{
		ID:            uuid.New().String(),
		Entity:        local.Entity,
		EntityID:      local.ID,
		Local:         localJSON,
		Remote:        remoteJSON,
		LocalVersion:  local.Version,
		RemoteVersion: remote.Version,
		DetectedAt:    d.now().UTC(),
	}
	if err := d.store.SaveConflict(ctx, c); err != nil {
		return OutcomeNone, fmt.Errorf("recording conflict: %w", err)
	}

	d.logger.Warn("conflict detected",
		"entity", local.Entity, "id", local.ID,
		"local_version", local.Version, "remote_version", remote.Version,
		"changed_fields", FieldDiff(local.Data, remote.Data))

	if d.bus != nil {
		d.bus.Publish(bus.ConflictDetected{Entity: local.Entity, ID: local.ID})
	}

	return OutcomeManual, nil
}

// isSubset reports whether every field in local exists in remote with an
// equal value, making the local change a no-op against the remote state.
func isSubset(local, remote map[string]any) bool {
	for k, v := range local {
		rv, ok := remote[k]
		if !ok || !reflect.DeepEqual(v, rv) {
			return false
		}
	}
	return true
}

// FieldDiff returns the sorted symmetric difference of the two snapshots:
// fields present on only one side plus fields whose values differ.
func FieldDiff(local, remote map[string]any) []string {
	changed := make(map[string]bool)
	for k, v := range local {
		rv, ok := remote[k]
		if !ok || !reflect.DeepEqual(v, rv) {
			changed[k] = true
		}
	}
	for k := range remote {
		if _, ok := local[k]; !ok {
			changed[k] = true
		}
	}

	fields := make([]string, 0, len(changed))
	for k := range changed {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}
