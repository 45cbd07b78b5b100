// Package history keeps a local record of finished workflows in sqlite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tturner/ucops/internal/orch/controller"
	"github.com/tturner/ucops/internal/target"
)

// ErrNotFound is returned by Get for an unknown workflow id.
var ErrNotFound = errors.New("workflow not found in history")

const schema = `
CREATE TABLE IF NOT EXISTS workflows(
	id TEXT PRIMARY KEY,
	name TEXT,
	kind TEXT,
	status TEXT,
	health TEXT,
	started_at INTEGER,
	finished_at INTEGER,
	targets INTEGER,
	succeeded INTEGER,
	failed INTEGER,
	cancelled INTEGER
);
CREATE TABLE IF NOT EXISTS operations(
	workflow_id TEXT,
	target_id TEXT,
	device TEXT,
	host TEXT,
	operation_id TEXT,
	status TEXT,
	progress REAL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_operations_workflow ON operations(workflow_id);
CREATE INDEX IF NOT EXISTS idx_workflows_started ON workflows(started_at);`

// Record is one finished workflow.
type Record struct {
	ID         string
	Name       string
	Kind       string
	Status     string
	Health     string
	StartedAt  time.Time
	FinishedAt time.Time
	Targets    int
	Succeeded  int
	Failed     int
	Cancelled  int
}

// Duration is how long the workflow ran.
func (r Record) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// OperationRecord is the final state of one target.
type OperationRecord struct {
	TargetID    string
	Device      string
	Host        string
	OperationID string
	Status      string
	Progress    float64
	Error       string
}

// Store is a sqlite-backed workflow history. It implements
// controller.Recorder.
type Store struct {
	db *sql.DB
}

var _ controller.Recorder = (*Store)(nil)

// Open opens or creates the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordWorkflow stores a settled workflow, replacing any earlier record
// with the same id.
func (s *Store) RecordWorkflow(ctx context.Context, r controller.Result) error {
	if r.WorkflowID == "" {
		return errors.New("record workflow: empty workflow id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record workflow: %w", err)
	}
	defer tx.Rollback()

	c := r.Summary.Counts
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO workflows(id, name, kind, status, health, started_at, finished_at, targets, succeeded, failed, cancelled)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.WorkflowID, r.Name, string(r.Flow), string(r.Summary.Status), string(r.Summary.Health),
		unixMilli(r.StartedAt), unixMilli(r.FinishedAt), c.Expected, c.Succeeded+c.Partial, c.Failed, c.Cancelled)
	if err != nil {
		return fmt.Errorf("record workflow: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE workflow_id=?`, r.WorkflowID); err != nil {
		return fmt.Errorf("record workflow: %w", err)
	}

	targets := make(map[string]target.Target, len(r.Targets))
	for _, t := range r.Targets {
		targets[t.ID] = t
	}
	for _, op := range r.Operations {
		t := targets[op.TargetID]
		_, err := tx.ExecContext(ctx, `INSERT INTO operations(workflow_id, target_id, device, host, operation_id, status, progress, error)
			VALUES(?,?,?,?,?,?,?,?)`,
			r.WorkflowID, op.TargetID, string(t.DeviceType), t.Host, op.Ref.ID, string(op.Status), op.Progress, op.Error)
		if err != nil {
			return fmt.Errorf("record operation %s: %w", op.TargetID, err)
		}
	}
	return tx.Commit()
}

// List returns the most recent workflows first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT id, name, kind, status, health, started_at, finished_at, targets, succeeded, failed, cancelled
		FROM workflows ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one workflow and its per-target outcomes.
func (s *Store) Get(ctx context.Context, id string) (Record, []OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, kind, status, health, started_at, finished_at, targets, succeeded, failed, cancelled
		FROM workflows WHERE id=?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, nil, fmt.Errorf("get history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT target_id, device, host, operation_id, status, progress, error
		FROM operations WHERE workflow_id=? ORDER BY rowid`, id)
	if err != nil {
		return rec, nil, fmt.Errorf("get history operations: %w", err)
	}
	defer rows.Close()
	var ops []OperationRecord
	for rows.Next() {
		var op OperationRecord
		if err := rows.Scan(&op.TargetID, &op.Device, &op.Host, &op.OperationID, &op.Status, &op.Progress, &op.Error); err != nil {
			return rec, nil, fmt.Errorf("get history operations: %w", err)
		}
		ops = append(ops, op)
	}
	return rec, ops, rows.Err()
}

// Prune deletes workflows started before cutoff and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	defer tx.Rollback()
	ms := unixMilli(cutoff)
	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE workflow_id IN (SELECT id FROM workflows WHERE started_at < ?)`, ms); err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE started_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var rec Record
	var started, finished int64
	err := sc.Scan(&rec.ID, &rec.Name, &rec.Kind, &rec.Status, &rec.Health, &started, &finished,
		&rec.Targets, &rec.Succeeded, &rec.Failed, &rec.Cancelled)
	if err != nil {
		return Record{}, err
	}
	rec.StartedAt = fromUnixMilli(started)
	rec.FinishedAt = fromUnixMilli(finished)
	return rec, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
