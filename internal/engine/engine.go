package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ts-klassen/vvx-worker/internal/model"
)

// ErrBusy is returned when a call is attempted while another blocking
// operation is already in flight on the same slot.
var ErrBusy = errors.New("engine slot busy")

// ErrSpeakerMismatch is returned by Synthesize when the slot's applied
// speaker does not match the task. The dispatcher re-checks the speaker
// precondition on every delivery attempt, so hitting this indicates a
// caller bug rather than a remote condition.
var ErrSpeakerMismatch = errors.New("task speaker does not match applied speaker")

// Slot owns one numbered remote engine. It is mutated only by the
// dispatcher that owns it; the mutex exists to make overlapping use a
// detectable error (ErrBusy) rather than a silent protocol violation.
type Slot struct {
	engineID int
	svc      Service

	mu       sync.Mutex
	inFlight bool

	// Last applied (eval, speaker) pair. The remote keys engine state by
	// evaluation, so a task from a different eval invalidates the cached
	// speaker even when the numeric id matches.
	applied   bool
	evalID    string
	speakerID int
}

// NewSlot creates a slot for the given engine with no applied speaker.
func NewSlot(engineID int, svc Service) *Slot {
	return &Slot{engineID: engineID, svc: svc}
}

// EngineID returns the engine number this slot owns.
func (s *Slot) EngineID() int { return s.engineID }

// CurrentSpeaker returns the last applied speaker for the given eval and
// whether one has been applied at all.
func (s *Slot) CurrentSpeaker(evalID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.applied || s.evalID != evalID {
		return 0, false
	}
	return s.speakerID, true
}

// InFlight reports whether a blocking remote call is outstanding.
func (s *Slot) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// beginCall marks the slot busy, failing if a call is already outstanding.
func (s *Slot) beginCall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return ErrBusy
	}
	s.inFlight = true
	return nil
}

func (s *Slot) endCall() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// EnsureSpeaker makes (evalID, speakerID) the engine's applied speaker.
// It is a no-op when the pair is already applied; otherwise it issues the
// blocking switch call and updates the cached pair only on success, so a
// failed switch leaves the slot exactly as it was.
func (s *Slot) EnsureSpeaker(ctx context.Context, evalID string, speakerID int) error {
	s.mu.Lock()
	if s.applied && s.evalID == evalID && s.speakerID == speakerID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.beginCall(); err != nil {
		return err
	}
	defer s.endCall()

	if err := s.svc.SetSpeaker(ctx, evalID, s.engineID, speakerID); err != nil {
		return fmt.Errorf("switch speaker %d: %w", speakerID, err)
	}

	s.mu.Lock()
	s.applied = true
	s.evalID = evalID
	s.speakerID = speakerID
	s.mu.Unlock()
	return nil
}

// Synthesize submits the task for synthesis. The task's speaker must
// already be the applied speaker for its eval.
func (s *Slot) Synthesize(ctx context.Context, task model.Task) error {
	s.mu.Lock()
	ok := s.applied && s.evalID == task.EvalID && s.speakerID == task.SpeakerID
	s.mu.Unlock()
	if !ok {
		return ErrSpeakerMismatch
	}

	if err := s.beginCall(); err != nil {
		return err
	}
	defer s.endCall()

	if err := s.svc.Synthesize(ctx, task.EvalID, s.engineID, task.SpeakerID, task.TaskID); err != nil {
		return fmt.Errorf("synthesize task %s: %w", task.TaskID, err)
	}
	return nil
}
