package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/terrane-dev/terrane/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open creates the store, opens the database in WAL mode, and runs any
// pending schema migrations.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: cfg.Path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load reads the full snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (*engine.Snapshot, error) {
	snap := engine.NewSnapshot()

	row := s.db.QueryRowContext(ctx, "SELECT serial, lineage FROM snapshot_meta WHERE id = 1")
	if err := row.Scan(&snap.Serial, &snap.Lineage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, nil
		}
		return nil, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, resource_type, attrs, outputs, dependencies, created_at, updated_at
		FROM snapshot_entries ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		snap.Entries[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot entries: %w", err)
	}
	return snap, nil
}

// Save replaces the persisted snapshot in one serializable transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *engine.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_entries"); err != nil {
		return fmt.Errorf("failed to clear snapshot entries: %w", err)
	}
	for _, rec := range snap.Entries {
		if err := insertEntry(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := updateMeta(ctx, tx, snap); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// AppendResult records a terminal step result and the snapshot entry it
// produced or removed, in one transaction. This is the executor's
// incremental durability path: each committed entry survives a crash in a
// later step.
func (s *SQLiteStore) AppendResult(ctx context.Context, runID string, snap *engine.Snapshot, result engine.StepResult) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	outputs, err := json.Marshal(orEmptyMap(result.Outputs))
	if err != nil {
		return fmt.Errorf("failed to encode step outputs: %w", err)
	}

	// The executor persists results as steps finish, before the run record
	// is finalized. Seed a placeholder run row so the FK holds; FinishRun
	// fills in the plan ID and summary.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, status, started_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		runID, string(engine.RunStatusRunning), result.StartedAt,
	); err != nil {
		return fmt.Errorf("failed to seed run record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO step_results (run_id, step_id, node_id, action, status, outputs, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, result.StepID, result.NodeID, string(result.Action), string(result.Status),
		string(outputs), nullIfEmpty(result.Error), result.StartedAt, result.FinishedAt,
	); err != nil {
		return fmt.Errorf("failed to insert step result: %w", err)
	}

	if result.Status == engine.StepStatusApplied {
		if rec := snap.Entry(result.NodeID); rec != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_entries WHERE node_id = ?", result.NodeID); err != nil {
				return fmt.Errorf("failed to replace snapshot entry: %w", err)
			}
			if err := insertEntry(ctx, tx, rec); err != nil {
				return err
			}
		} else {
			// Applied destroy: the record is gone from the snapshot.
			if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_entries WHERE node_id = ?", result.NodeID); err != nil {
				return fmt.Errorf("failed to delete snapshot entry: %w", err)
			}
		}
	}

	if err := updateMeta(ctx, tx, snap); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step result: %w", err)
	}
	return nil
}

// AcquireLock takes the advisory state lock. The single-row table makes the
// insert fail when another owner holds it.
func (s *SQLiteStore) AcquireLock(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO state_lock (id, owner, acquired_at) VALUES (1, ?, ?)",
		owner, time.Now().UTC())
	if err == nil {
		return nil
	}

	var holder string
	row := s.db.QueryRowContext(ctx, "SELECT owner FROM state_lock WHERE id = 1")
	if scanErr := row.Scan(&holder); scanErr == nil {
		return &engine.LockConflictError{Holder: holder}
	}
	return fmt.Errorf("failed to acquire state lock: %w", err)
}

// ReleaseLock releases the advisory state lock held by owner.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, owner string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM state_lock WHERE id = 1 AND owner = ?", owner)
	if err != nil {
		return fmt.Errorf("failed to release state lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to release state lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("state lock is not held by %s", owner)
	}
	return nil
}

// CreateRun records the start of a run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, status, started_at)
		VALUES (?, ?, ?, ?)`,
		run.ID, run.PlanID, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal status and summary. The run row may
// already exist as a placeholder seeded by AppendResult; insert it otherwise
// so empty runs are recorded too.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *engine.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, status, applied, failed, skipped, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			applied = excluded.applied,
			failed = excluded.failed,
			skipped = excluded.skipped,
			finished_at = excluded.finished_at`,
		run.ID, run.PlanID, string(run.Status),
		run.Summary.Applied, run.Summary.Failed, run.Summary.Skipped,
		run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// GetRun reads a run record, including its step results.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	run := &engine.Run{}
	var status string
	var finished sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, status, applied, failed, skipped, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	err := row.Scan(&run.ID, &run.PlanID, &status, &run.Summary.Applied,
		&run.Summary.Failed, &run.Summary.Skipped, &run.StartedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	run.Status = engine.RunStatus(status)
	if finished.Valid {
		run.FinishedAt = finished.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, node_id, action, status, outputs, error, started_at, finished_at
		FROM step_results WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read step results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r engine.StepResult
		var action, stepStatus, outputs string
		var errMsg sql.NullString
		if err := rows.Scan(&r.StepID, &r.NodeID, &action, &stepStatus, &outputs,
			&errMsg, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		r.Action = engine.ActionType(action)
		r.Status = engine.StepStatus(stepStatus)
		if errMsg.Valid {
			r.Error = errMsg.String
		}
		if err := json.Unmarshal([]byte(outputs), &r.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode step outputs: %w", err)
		}
		run.Results = append(run.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step results: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs without their step results.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, status, applied, failed, skipped, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.Run
	for rows.Next() {
		run := &engine.Run{}
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.PlanID, &status, &run.Summary.Applied,
			&run.Summary.Failed, &run.Summary.Skipped, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = engine.RunStatus(status)
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// AppendEvent records an engine event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	fields, err := json.Marshal(orEmptyMap(event.Fields))
	if err != nil {
		return fmt.Errorf("failed to encode event fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, run_id, node_id, message, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), nullIfEmpty(event.RunID), nullIfEmpty(event.NodeID),
		nullIfEmpty(event.Message), string(fields), event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*engine.NodeRecord, error) {
	rec := &engine.NodeRecord{}
	var attrs, outputs, deps string
	if err := row.Scan(&rec.ID, &rec.Type, &attrs, &outputs, &deps,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan snapshot entry: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attrs for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(deps), &rec.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies for %s: %w", rec.ID, err)
	}
	return rec, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, rec *engine.NodeRecord) error {
	attrs, err := json.Marshal(orEmptyMap(rec.Attrs))
	if err != nil {
		return fmt.Errorf("failed to encode attrs for %s: %w", rec.ID, err)
	}
	outputs, err := json.Marshal(orEmptyMap(rec.Outputs))
	if err != nil {
		return fmt.Errorf("failed to encode outputs for %s: %w", rec.ID, err)
	}
	deps, err := json.Marshal(orEmptySlice(rec.Dependencies))
	if err != nil {
		return fmt.Errorf("failed to encode dependencies for %s: %w", rec.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_entries (node_id, resource_type, attrs, outputs, dependencies, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, string(attrs), string(outputs), string(deps),
		rec.CreatedAt, rec.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert snapshot entry %s: %w", rec.ID, err)
	}
	return nil
}

func updateMeta(ctx context.Context, tx *sql.Tx, snap *engine.Snapshot) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE snapshot_meta SET serial = ?, lineage = ?, updated_at = ? WHERE id = 1`,
		snap.Serial, snap.Lineage, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update snapshot metadata: %w", err)
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
