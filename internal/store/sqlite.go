package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ts-klassen/vvx-worker/internal/model"

	_ "modernc.org/sqlite"
)

const createOutcomesTable = `
CREATE TABLE IF NOT EXISTS outcomes (
    task_id    TEXT PRIMARY KEY,
    engine_id  INTEGER NOT NULL,
    outcome    TEXT NOT NULL,
    error      TEXT,
    attempts   INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL,
    created_at DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Journal = (*SQLiteJournal)(nil)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens the SQLite database at dbPath and runs migrations.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createOutcomesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outcomes table: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record inserts a terminal outcome. A second record for the same task_id
// is ignored: the first journaled outcome is the terminal one, and a late
// duplicate (redelivery racing the original ack) must not overwrite it.
func (j *SQLiteJournal) Record(ctx context.Context, o *model.Outcome) error {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO outcomes (task_id, engine_id, outcome, error, attempts, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO NOTHING`,
		o.TaskID, o.EngineID, o.Outcome, o.Error, o.Attempts, o.LatencyMS, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// Get retrieves the journaled outcome for a task.
func (j *SQLiteJournal) Get(ctx context.Context, taskID string) (*model.Outcome, error) {
	o := &model.Outcome{}
	err := j.db.QueryRowContext(ctx,
		`SELECT task_id, engine_id, outcome, error, attempts, latency_ms, created_at
		 FROM outcomes WHERE task_id = ?`, taskID,
	).Scan(&o.TaskID, &o.EngineID, &o.Outcome, &o.Error, &o.Attempts, &o.LatencyMS, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome: %w", err)
	}
	return o, nil
}

// Stats returns aggregate counts and average latency over all outcomes.
func (j *SQLiteJournal) Stats(ctx context.Context) (*OutcomeStats, error) {
	stats := &OutcomeStats{CountByOutcome: make(map[string]int)}

	rows, err := j.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM outcomes GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		stats.CountByOutcome[outcome] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}

	var avg sql.NullFloat64
	err = j.db.QueryRowContext(ctx,
		`SELECT AVG(latency_ms) FROM outcomes`).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average latency: %w", err)
	}
	if avg.Valid {
		stats.AvgLatencyMS = avg.Float64
	}

	return stats, nil
}
