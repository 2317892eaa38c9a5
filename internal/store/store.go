// Package store persists the worker's terminal task outcomes. The journal
// is local to one worker process: it backs the duplicate-delivery guard
// (a task this worker already finished is acknowledged without being
// re-synthesized) and the ops stats endpoint. The benchmark score itself
// is tracked by the remote service, not here.
package store

import (
	"context"
	"errors"

	"github.com/ts-klassen/vvx-worker/internal/model"
)

// ErrNotFound is returned when no outcome is journaled for a task.
var ErrNotFound = errors.New("outcome not found")

// OutcomeStats holds aggregate counts over the journal.
type OutcomeStats struct {
	Total          int            `json:"total"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	AvgLatencyMS   float64        `json:"avg_latency_ms"`
}

// Journal defines the persistence operations for terminal outcomes.
type Journal interface {
	Record(ctx context.Context, o *model.Outcome) error
	Get(ctx context.Context, taskID string) (*model.Outcome, error)
	Stats(ctx context.Context) (*OutcomeStats, error)
	Close() error
}
