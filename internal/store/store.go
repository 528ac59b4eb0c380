// Package store persists room state: participants, position history,
// attendance marks, the chat and work-update feeds and the equipment
// registry. Every append is idempotent on (room, id).
package store

import (
	"context"
	"errors"
	"fmt"

	"eventsync/internal/model"
)

// ErrNotFound is returned when a participant is unknown in a room.
var ErrNotFound = errors.New("not found")

// Store is the persistence adapter used by the hub and the verification
// pipeline.
type Store interface {
	// UpsertParticipant overlays patch onto the stored record, creating it if
	// needed. Position history is not touched here; see AppendLocation.
	UpsertParticipant(ctx context.Context, room, id string, patch model.ParticipantPatch) (model.Participant, error)
	Participant(ctx context.Context, room, id string) (model.Participant, error)
	AppendLocation(ctx context.Context, room, id string, pt model.LocationPoint) error
	// MarkAttendance reports whether key was newly added.
	MarkAttendance(ctx context.Context, room, id, key string) (bool, error)
	AppendMessage(ctx context.Context, room string, msg model.ChatMessage) error
	AppendWorkUpdate(ctx context.Context, room string, wu model.WorkUpdate) error
	// UpsertEquipment applies eq unless the stored copy is newer, and returns
	// whichever copy won.
	UpsertEquipment(ctx context.Context, room string, eq model.Equipment) (model.Equipment, error)
	ListEquipment(ctx context.Context, room string) ([]model.Equipment, error)
	LoadSnapshot(ctx context.Context, room string, limits model.SnapshotLimits) (model.Snapshot, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Open builds the store named by backend. dsn is a Postgres connection
// string or a SQLite file path.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendPostgres:
		return OpenPostgres(ctx, dsn)
	case BackendSQLite:
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func normalizeLimits(l model.SnapshotLimits) model.SnapshotLimits {
	if l.Messages <= 0 {
		l.Messages = model.DefaultSnapshotLimits.Messages
	}
	if l.WorkUpdates <= 0 {
		l.WorkUpdates = model.DefaultSnapshotLimits.WorkUpdates
	}
	return l
}

// withoutHistory drops the history side effects of a patch. Positions reach
// the history only through AppendLocation.
func withoutHistory(cur model.Participant, patch model.ParticipantPatch) model.Participant {
	patch.LocationHistory = nil
	next := cur.Apply(patch)
	next.LocationHistory = cur.LocationHistory
	return next
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQL)(nil)
)
