// Package state persists the engine's snapshot, run history, and events.
// The primary implementation is SQLite-backed with embedded schema
// migrations; the snapshot survives crashes at entry granularity, so a run
// interrupted mid-apply leaves every committed node record intact.
package state

import (
	"context"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// Store is the persistence contract for snapshots, runs, and events.
type Store interface {
	// Load reads the current snapshot. A store with no persisted state
	// returns an empty snapshot, not an error.
	Load(ctx context.Context) (*engine.Snapshot, error)

	// Save persists the full snapshot atomically, replacing any previous
	// contents.
	Save(ctx context.Context, snap *engine.Snapshot) error

	// AppendResult durably records one terminal step result together
	// with the snapshot mutation it caused. Called once per terminal
	// step from the executor's persistence path.
	AppendResult(ctx context.Context, runID string, snap *engine.Snapshot, result engine.StepResult) error

	// AcquireLock takes the advisory state lock for the given owner.
	// Returns engine.LockConflictError when another owner holds it.
	AcquireLock(ctx context.Context, owner string) error

	// ReleaseLock releases the advisory state lock held by owner.
	ReleaseLock(ctx context.Context, owner string) error

	// CreateRun records the start of a run.
	CreateRun(ctx context.Context, run *engine.Run) error

	// FinishRun records a run's terminal status and summary.
	FinishRun(ctx context.Context, run *engine.Run) error

	// GetRun reads a run record by identity.
	GetRun(ctx context.Context, id string) (*engine.Run, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*engine.Run, error)

	// AppendEvent records an engine event.
	AppendEvent(ctx context.Context, event *engine.Event) error

	// Close releases store resources.
	Close() error
}
