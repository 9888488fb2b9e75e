package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(id string) *engine.NodeRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &engine.NodeRecord{
		ID:           id,
		Type:         "null.resource",
		Attrs:        map[string]any{"v": "1"},
		Outputs:      map[string]any{"id": "id-" + id},
		Dependencies: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	// A fresh store loads an empty snapshot.
	snap, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Serial != 0 || len(snap.Entries) != 0 {
		t.Errorf("fresh snapshot = %+v", snap)
	}

	snap.Serial = 2
	snap.Entries["a"] = testRecord("a")
	b := testRecord("b")
	b.Dependencies = []string{"a"}
	snap.Entries["b"] = b

	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Serial != 2 {
		t.Errorf("serial = %d, want 2", loaded.Serial)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(loaded.Entries))
	}
	got := loaded.Entry("b")
	if got == nil || got.Type != "null.resource" {
		t.Fatalf("entry b = %+v", got)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "a" {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
	if got.Outputs["id"] != "id-b" {
		t.Errorf("outputs = %v", got.Outputs)
	}
}

func TestAppendResultPersistsIncrementally(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	snap := engine.NewSnapshot()
	snap.Serial = 1
	snap.Entries["a"] = testRecord("a")

	result := engine.StepResult{
		StepID:     "step-1",
		NodeID:     "a",
		Action:     engine.ActionCreate,
		Status:     engine.StepStatusApplied,
		Outputs:    map[string]any{"id": "id-a"},
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if err := store.AppendResult(ctx, "run-1", snap, result); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// The snapshot entry and serial are durable immediately.
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Serial != 1 || loaded.Entry("a") == nil {
		t.Errorf("loaded = %+v", loaded)
	}

	// An applied destroy removes the entry.
	delete(snap.Entries, "a")
	snap.Serial = 2
	destroy := engine.StepResult{
		StepID:     "step-2",
		NodeID:     "a",
		Action:     engine.ActionDestroy,
		Status:     engine.StepStatusApplied,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if err := store.AppendResult(ctx, "run-1", snap, destroy); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Entry("a") != nil {
		t.Error("destroyed entry should be gone")
	}
	if loaded.Serial != 2 {
		t.Errorf("serial = %d, want 2", loaded.Serial)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	snap := engine.NewSnapshot()
	result := engine.StepResult{
		StepID:     "step-1",
		NodeID:     "a",
		Action:     engine.ActionCreate,
		Status:     engine.StepStatusFailed,
		Error:      "boom",
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if err := store.AppendResult(ctx, "run-1", snap, result); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	run := &engine.Run{
		ID:         "run-1",
		PlanID:     "plan-1",
		Status:     engine.RunStatusPartial,
		Summary:    engine.RunSummary{Failed: 1},
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if err := store.FinishRun(ctx, run); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != engine.RunStatusPartial || got.PlanID != "plan-1" {
		t.Errorf("run = %+v", got)
	}
	if len(got.Results) != 1 || got.Results[0].Error != "boom" {
		t.Errorf("results = %+v", got.Results)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestLockConflict(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.AcquireLock(ctx, "owner-1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	err := store.AcquireLock(ctx, "owner-2")
	var conflict *engine.LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected LockConflictError, got %v", err)
	}
	if conflict.Holder != "owner-1" {
		t.Errorf("holder = %s", conflict.Holder)
	}

	// Release by the wrong owner fails, by the right one succeeds.
	if err := store.ReleaseLock(ctx, "owner-2"); err == nil {
		t.Error("release by non-holder should fail")
	}
	if err := store.ReleaseLock(ctx, "owner-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.AcquireLock(ctx, "owner-2"); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestAppendEvent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	event := &engine.Event{
		ID:        "ev-1",
		Type:      engine.EventRunStarted,
		RunID:     "run-1",
		Timestamp: time.Now().UTC(),
	}
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("append event failed: %v", err)
	}
}
