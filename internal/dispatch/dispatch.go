// Package dispatch implements the worker's core loop: claim one task from
// the shared queue, prepare the engine slot's speaker, run the blocking
// synthesis call, then acknowledge or requeue and report the outcome.
// The loop is strictly sequential; cancellation is honored only between
// states because the remote side has no way to abort an in-flight call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ts-klassen/vvx-worker/internal/engine"
	"github.com/ts-klassen/vvx-worker/internal/model"
	"github.com/ts-klassen/vvx-worker/internal/queue"
	"github.com/ts-klassen/vvx-worker/internal/store"
)

// State is the dispatcher's position in its processing cycle.
type State string

// Dispatcher states.
const (
	StateIdle         State = "idle"
	StateFetching     State = "fetching"
	StatePreparing    State = "preparing"
	StateSynthesizing State = "synthesizing"
	StateReporting    State = "reporting"
	StateDraining     State = "draining"
	StateStopped      State = "stopped"
)

// ErrEngineUnusable signals that the engine itself is broken: speaker
// switching keeps failing across deliveries. The process must exit
// non-zero so a supervisor can replace the slot; the unacked task goes
// back to the broker for another worker.
var ErrEngineUnusable = errors.New("engine unusable")

const (
	defaultMaxRetries        = 5
	defaultIdleTimeout       = 30 * time.Second
	defaultDrainMinPolls     = 3
	defaultUnusableThreshold = 3
	defaultBackoffInitial    = 500 * time.Millisecond
	defaultBackoffMax        = 5 * time.Second
)

// Options tune the dispatcher's retry and drain behavior. Zero values
// select the defaults.
type Options struct {
	// MaxRetries bounds per-task redeliveries: a task at this attempt
	// count is not requeued again.
	MaxRetries int

	// IdleTimeout is the minimum wall-clock span of consecutive empty
	// polls before the dispatcher concludes the queue is drained. This is
	// a bounded-delay approximation of distributed termination detection,
	// not consensus: other consumers' requeues within the window still
	// get processed.
	IdleTimeout time.Duration

	// DrainMinPolls is the minimum number of consecutive empty polls
	// required in addition to IdleTimeout.
	DrainMinPolls int

	// UnusableThreshold is the number of consecutive speaker-switch
	// failures (across tasks) after which the engine is declared broken.
	UnusableThreshold int

	// BackoffInitial and BackoffMax bound the doubling repoll delay while
	// draining.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// SpeakerCount, when positive, bounds valid task speaker ids to
	// [0, SpeakerCount). Out-of-range tasks are acked and dropped like
	// any other malformed payload.
	SpeakerCount int
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.DrainMinPolls <= 0 {
		o.DrainMinPolls = defaultDrainMinPolls
	}
	if o.UnusableThreshold <= 0 {
		o.UnusableThreshold = defaultUnusableThreshold
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = defaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
}

// Status is a point-in-time snapshot for the ops surface.
type Status struct {
	State          State `json:"state"`
	EngineID       int   `json:"engine_id"`
	InFlight       bool  `json:"in_flight"`
	TasksProcessed int64 `json:"tasks_processed"`
	SwitchFailures int   `json:"consecutive_switch_failures"`
}

// Dispatcher drives one engine slot against the shared queue.
type Dispatcher struct {
	source  queue.TaskSource
	slot    *engine.Slot
	sink    queue.ResultSink
	journal store.Journal
	tap     *EventTap
	logger  *slog.Logger
	opts    Options

	mu             sync.Mutex
	state          State
	processed      int64
	switchFailures int
}

// New creates a dispatcher. The journal and tap may be nil; the duplicate
// guard and live event stream are then disabled.
func New(source queue.TaskSource, slot *engine.Slot, sink queue.ResultSink, journal store.Journal, tap *EventTap, logger *slog.Logger, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		source:  source,
		slot:    slot,
		sink:    sink,
		journal: journal,
		tap:     tap,
		logger:  logger,
		opts:    opts,
		state:   StateIdle,
	}
}

// Status returns a snapshot of the dispatcher and its slot.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		State:          d.state,
		EngineID:       d.slot.EngineID(),
		InFlight:       d.slot.InFlight(),
		TasksProcessed: d.processed,
		SwitchFailures: d.switchFailures,
	}
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Run executes the dispatch loop until the queue drains, the context is
// canceled, or a fatal condition occurs. A nil return means a clean stop
// (drain complete or shutdown requested); any error is fatal for the
// process.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer func() {
		d.setState(StateStopped)
		if d.tap != nil {
			d.tap.Close()
		}
	}()

	var (
		emptyPolls int
		drainStart time.Time
		backoff    = d.opts.BackoffInitial
	)

	for {
		if ctx.Err() != nil {
			d.logger.Info("shutdown requested, stopping between states")
			return nil
		}

		d.setState(StateFetching)
		task, err := d.source.Next(ctx)
		switch {
		case err == nil:
			// Any delivery resets the drain window.
			emptyPolls = 0
			drainStart = time.Time{}
			backoff = d.opts.BackoffInitial

			if err := d.process(ctx, task); err != nil {
				return err
			}
			d.setState(StateIdle)

		case errors.Is(err, queue.ErrEmpty):
			d.setState(StateDraining)
			emptyPolls++
			emptyPollsTotal.Inc()
			if drainStart.IsZero() {
				drainStart = time.Now()
			}

			if emptyPolls >= d.opts.DrainMinPolls && time.Since(drainStart) >= d.opts.IdleTimeout {
				d.logger.Info("queue drained, stopping",
					"empty_polls", emptyPolls,
					"idle", time.Since(drainStart).String(),
				)
				return nil
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				d.logger.Info("shutdown requested while draining")
				return nil
			}
			backoff = min(backoff*2, d.opts.BackoffMax)

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			d.logger.Info("shutdown requested during fetch")
			return nil

		default:
			// Transport loss or another unrecoverable source failure.
			return fmt.Errorf("task source: %w", err)
		}
	}
}

// process drives one delivered task to an ack or a requeue. A non-nil
// return is fatal for the worker.
func (d *Dispatcher) process(ctx context.Context, task model.Task) error {
	// The remote side cannot abort an in-flight call, so a shutdown
	// request must not reach into one. The delivery runs to its terminal
	// outcome on a detached context; cancellation is observed again at
	// the top of the run loop.
	ctx = context.WithoutCancel(ctx)

	logger := d.logger.With("task_id", task.TaskID, "eval_id", task.EvalID, "speaker_id", task.SpeakerID, "attempt", task.Attempt)
	d.setState(StatePreparing)

	if d.opts.SpeakerCount > 0 && task.SpeakerID >= d.opts.SpeakerCount {
		logger.Error("task speaker out of range, dropping", "speaker_count", d.opts.SpeakerCount)
		tasksTotal.WithLabelValues("invalid").Inc()
		if err := d.source.Ack(task.TaskID); err != nil {
			return fmt.Errorf("ack invalid task %s: %w", task.TaskID, err)
		}
		return nil
	}

	if d.alreadyTerminal(ctx, task, logger) {
		tasksTotal.WithLabelValues("duplicate").Inc()
		if err := d.source.Ack(task.TaskID); err != nil {
			return fmt.Errorf("ack duplicate task %s: %w", task.TaskID, err)
		}
		return nil
	}

	// Re-check the speaker precondition on every delivery attempt; a
	// redelivery may land here after another task moved the speaker.
	prevSpeaker, hadSpeaker := d.slot.CurrentSpeaker(task.EvalID)
	if err := d.slot.EnsureSpeaker(ctx, task.EvalID, task.SpeakerID); err != nil {
		return d.handleSwitchFailure(task, logger, err)
	}
	d.mu.Lock()
	d.switchFailures = 0
	d.mu.Unlock()
	if !hadSpeaker || prevSpeaker != task.SpeakerID {
		speakerSwitchesTotal.Inc()
	}

	d.setState(StateSynthesizing)
	start := time.Now()
	err := d.slot.Synthesize(ctx, task)
	latency := time.Since(start)
	synthesisDuration.Observe(latency.Seconds())

	if err != nil {
		return d.handleSynthesisFailure(ctx, task, logger, err, latency)
	}

	if err := d.source.Ack(task.TaskID); err != nil {
		return fmt.Errorf("ack task %s: %w", task.TaskID, err)
	}
	d.recordOutcome(ctx, task, model.OutcomeSuccess, "", latency, logger)
	tasksTotal.WithLabelValues(model.OutcomeSuccess).Inc()
	d.bumpProcessed()

	logger.Info("task completed", "latency_ms", latency.Milliseconds())
	d.report(ctx, task, true, "", latency)
	return nil
}

// handleSwitchFailure treats a failed speaker switch as transient until
// the task's retry budget or the consecutive-failure threshold says the
// engine itself is broken.
func (d *Dispatcher) handleSwitchFailure(task model.Task, logger *slog.Logger, cause error) error {
	d.mu.Lock()
	d.switchFailures++
	failures := d.switchFailures
	d.mu.Unlock()

	logger.Warn("speaker switch failed", "error", cause, "consecutive_failures", failures)

	if failures >= d.opts.UnusableThreshold || task.Attempt >= d.opts.MaxRetries {
		// Deliberately leave the delivery unacked: the broker hands the
		// task to a healthy worker after this process dies.
		return fmt.Errorf("%w: %v", ErrEngineUnusable, cause)
	}

	if err := d.source.Requeue(task); err != nil {
		return fmt.Errorf("requeue task %s: %w", task.TaskID, err)
	}
	requeuesTotal.Inc()
	return nil
}

// handleSynthesisFailure requeues while retry budget remains, otherwise
// acknowledges the task as permanently failed so redelivery storms are
// bounded. Either way a Failed event goes out for observability.
func (d *Dispatcher) handleSynthesisFailure(ctx context.Context, task model.Task, logger *slog.Logger, cause error, latency time.Duration) error {
	logger.Warn("synthesis failed", "error", cause, "latency_ms", latency.Milliseconds())

	if task.Attempt >= d.opts.MaxRetries {
		if err := d.source.Ack(task.TaskID); err != nil {
			return fmt.Errorf("ack exhausted task %s: %w", task.TaskID, err)
		}
		d.recordOutcome(ctx, task, model.OutcomeFailed, cause.Error(), latency, logger)
		tasksTotal.WithLabelValues(model.OutcomeFailed).Inc()
		d.bumpProcessed()

		logger.Error("retry budget exhausted, task permanently failed", "attempts", task.Attempt+1)
		d.report(ctx, task, false, fmt.Sprintf("retry budget exhausted: %v", cause), latency)
		return nil
	}

	if err := d.source.Requeue(task); err != nil {
		return fmt.Errorf("requeue task %s: %w", task.TaskID, err)
	}
	requeuesTotal.Inc()
	d.report(ctx, task, false, cause.Error(), latency)
	return nil
}

// alreadyTerminal reports whether this worker has already journaled a
// terminal outcome for the task, which makes the delivery a duplicate.
func (d *Dispatcher) alreadyTerminal(ctx context.Context, task model.Task, logger *slog.Logger) bool {
	if d.journal == nil {
		return false
	}
	o, err := d.journal.Get(ctx, task.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		logger.Warn("journal lookup failed, processing anyway", "error", err)
		return false
	}
	logger.Info("duplicate delivery of terminally processed task, acking", "outcome", o.Outcome)
	return true
}

func (d *Dispatcher) recordOutcome(ctx context.Context, task model.Task, outcome, errMsg string, latency time.Duration, logger *slog.Logger) {
	if d.journal == nil {
		return
	}
	rec := &model.Outcome{
		TaskID:    task.TaskID,
		EngineID:  d.slot.EngineID(),
		Outcome:   outcome,
		Error:     errMsg,
		Attempts:  task.Attempt + 1,
		LatencyMS: latency.Milliseconds(),
	}
	if err := d.journal.Record(ctx, rec); err != nil {
		logger.Error("journal outcome", "error", err)
	}
}

// report publishes the completion event. Publishing is fire-and-forget:
// failures are logged and never affect the task's fate.
func (d *Dispatcher) report(ctx context.Context, task model.Task, success bool, errMsg string, latency time.Duration) {
	d.setState(StateReporting)

	res := model.Result{
		EvalID:    task.EvalID,
		TaskID:    task.TaskID,
		EngineID:  d.slot.EngineID(),
		SpeakerID: task.SpeakerID,
		Success:   success,
		Error:     errMsg,
		LatencyMS: latency.Milliseconds(),
	}

	if err := d.sink.Publish(ctx, res); err != nil {
		d.logger.Error("publish result", "task_id", task.TaskID, "error", err)
	}
	if d.tap != nil {
		d.tap.Publish(res)
	}
}

func (d *Dispatcher) bumpProcessed() {
	d.mu.Lock()
	d.processed++
	d.mu.Unlock()
}
