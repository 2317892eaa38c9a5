// Package integration runs the full worker pipeline in-process: an
// in-memory task queue, the real dispatcher and engine slot, a stub
// benchmark service over httptest, the SQLite journal, and the event tap.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ts-klassen/vvx-worker/internal/dispatch"
	"github.com/ts-klassen/vvx-worker/internal/engine"
	"github.com/ts-klassen/vvx-worker/internal/model"
	"github.com/ts-klassen/vvx-worker/internal/queue"
	"github.com/ts-klassen/vvx-worker/internal/store"
)

// memQueue is an in-memory stand-in for the broker: at-least-once
// semantics with requeue-to-tail redelivery, shared by source and sink.
type memQueue struct {
	mu       sync.Mutex
	pending  []model.Task
	acked    map[string]int
	requeues int
	results  []model.Result
}

func newMemQueue(tasks ...model.Task) *memQueue {
	return &memQueue{pending: tasks, acked: make(map[string]int)}
}

func (m *memQueue) Next(ctx context.Context) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return model.Task{}, queue.ErrEmpty
	}
	task := m.pending[0]
	m.pending = m.pending[1:]
	return task, nil
}

func (m *memQueue) Ack(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked[taskID]++
	return nil
}

func (m *memQueue) Requeue(task model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeues++
	task.Attempt++
	m.pending = append(m.pending, task)
	return nil
}

func (m *memQueue) Publish(_ context.Context, res model.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

// benchHandler mimics the remote service: speaker state per
// (eval, engine), synthesis rejected on mismatch, and an optional number
// of injected synthesis failures.
type benchHandler struct {
	mu           sync.Mutex
	speakers     map[string]int
	switchCalls  int
	synthCalls   int
	failSynthTok int
}

func (b *benchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SpeakerID int    `json:"speaker_id"`
		TaskID    string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	// Path shape: /api/v1/evaluations/{eval}/engines/{id}/{op}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	op := parts[len(parts)-1]
	key := parts[3] + "/" + parts[5]

	b.mu.Lock()
	defer b.mu.Unlock()

	switch op {
	case "speaker":
		b.switchCalls++
		b.speakers[key] = body.SpeakerID
		w.WriteHeader(http.StatusAccepted)
	case "synthesis":
		b.synthCalls++
		if b.failSynthTok > 0 {
			b.failSynthTok--
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		if cur, ok := b.speakers[key]; !ok || cur != body.SpeakerID {
			http.Error(w, "speaker mismatch", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		http.NotFound(w, r)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func opts() dispatch.Options {
	return dispatch.Options{
		MaxRetries:     3,
		IdleTimeout:    100 * time.Millisecond,
		DrainMinPolls:  2,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}
}

func TestWorkerPipelineDrainsQueue(t *testing.T) {
	handler := &benchHandler{speakers: make(map[string]int)}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	tasks := []model.Task{
		{EvalID: "ev1", TaskID: "t1", SpeakerID: 0},
		{EvalID: "ev1", TaskID: "t2", SpeakerID: 0},
		{EvalID: "ev1", TaskID: "t3", SpeakerID: 1},
		{EvalID: "ev1", TaskID: "t4", SpeakerID: 1},
		{EvalID: "ev1", TaskID: "t5", SpeakerID: 0},
	}
	q := newMemQueue(tasks...)

	j, err := store.NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	defer j.Close()

	svc := engine.NewHTTPService(ts.URL + "/api/v1")
	slot := engine.NewSlot(0, svc)
	tap := dispatch.NewEventTap()
	events, unsub := tap.Subscribe()
	defer unsub()

	d := dispatch.New(q, slot, q, j, tap, testLogger(), opts())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Every task acked exactly once.
	for _, task := range tasks {
		if n := q.acked[task.TaskID]; n != 1 {
			t.Errorf("task %s acked %d times, want 1", task.TaskID, n)
		}
	}

	// Same-speaker runs share a single switch: speakers 0,0,1,1,0 need 3.
	if handler.switchCalls != 3 {
		t.Errorf("switch calls = %d, want 3", handler.switchCalls)
	}
	if handler.synthCalls != len(tasks) {
		t.Errorf("synthesis calls = %d, want %d", handler.synthCalls, len(tasks))
	}

	// One success event per task on the sink.
	if len(q.results) != len(tasks) {
		t.Fatalf("published %d results, want %d", len(q.results), len(tasks))
	}
	for _, res := range q.results {
		if !res.Success {
			t.Errorf("result for %s failed: %s", res.TaskID, res.Error)
		}
		if res.EngineID != 0 {
			t.Errorf("result for %s has engine_id %d, want 0", res.TaskID, res.EngineID)
		}
	}

	// Journal holds a success outcome per task.
	stats, err := j.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CountByOutcome[model.OutcomeSuccess] != len(tasks) {
		t.Errorf("journaled successes = %d, want %d", stats.CountByOutcome[model.OutcomeSuccess], len(tasks))
	}

	// The tap saw the events too and was closed when the worker stopped.
	var tapped int
	for range events {
		tapped++
	}
	if tapped != len(tasks) {
		t.Errorf("tap delivered %d events, want %d", tapped, len(tasks))
	}
}

func TestWorkerPipelineRetriesTransientFailures(t *testing.T) {
	handler := &benchHandler{speakers: make(map[string]int), failSynthTok: 2}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	q := newMemQueue(model.Task{EvalID: "ev1", TaskID: "t1", SpeakerID: 2})

	j, err := store.NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	defer j.Close()

	svc := engine.NewHTTPService(ts.URL + "/api/v1")
	slot := engine.NewSlot(4, svc)
	d := dispatch.New(q, slot, q, j, nil, testLogger(), opts())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if q.requeues != 2 {
		t.Errorf("requeues = %d, want 2", q.requeues)
	}
	if n := q.acked["t1"]; n != 1 {
		t.Errorf("t1 acked %d times, want 1", n)
	}

	o, err := j.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("journal Get: %v", err)
	}
	if o.Outcome != model.OutcomeSuccess {
		t.Errorf("outcome = %q, want success after retries", o.Outcome)
	}
	if o.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", o.Attempts)
	}

	var successes int
	for _, res := range q.results {
		if res.Success {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("success events = %d, want exactly 1", successes)
	}
}

func TestWorkerPipelineGivesUpAfterBudget(t *testing.T) {
	handler := &benchHandler{speakers: make(map[string]int), failSynthTok: 1000}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	q := newMemQueue(model.Task{EvalID: "ev1", TaskID: "t1", SpeakerID: 0})

	j, err := store.NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	defer j.Close()

	svc := engine.NewHTTPService(ts.URL + "/api/v1")
	slot := engine.NewSlot(0, svc)

	o := opts()
	o.MaxRetries = 2
	d := dispatch.New(q, slot, q, j, nil, testLogger(), o)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if q.requeues != 2 {
		t.Errorf("requeues = %d, want max_retries = 2", q.requeues)
	}
	if n := q.acked["t1"]; n != 1 {
		t.Errorf("t1 acked %d times, want 1", n)
	}

	rec, err := j.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("journal Get: %v", err)
	}
	if rec.Outcome != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", rec.Outcome)
	}
	if !strings.Contains(rec.Error, "injected failure") {
		t.Errorf("journaled error %q does not carry the remote cause", rec.Error)
	}
}
