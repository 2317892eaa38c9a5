// Package queue adapts the shared AMQP work queue to the dispatcher.
// Delivery is at-least-once: a task stays owned by the broker until the
// consumer acks it, and a requeue hands it back for redelivery, possibly
// to a different worker.
package queue

import (
	"context"
	"errors"

	"github.com/ts-klassen/vvx-worker/internal/model"
)

// ErrEmpty is returned by Next when no delivery arrived within the
// bounded wait. It reflects this consumer's momentary view only; other
// consumers' requeues can still surface more work later.
var ErrEmpty = errors.New("no task available")

// ErrClosed is returned when the queue transport has been lost. The
// worker treats it as unrecoverable and exits non-zero.
var ErrClosed = errors.New("queue transport closed")

// TaskSource delivers tasks claimed from the shared queue.
type TaskSource interface {
	// Next blocks for a bounded wait and returns the next task, ErrEmpty
	// if none arrived, or ErrClosed if the transport is gone.
	Next(ctx context.Context) (model.Task, error)

	// Ack acknowledges the delivery for taskID, completing its ownership
	// transfer away from the queue.
	Ack(taskID string) error

	// Requeue returns the task to the queue for redelivery with its
	// attempt counter incremented, then acknowledges the original
	// delivery. The retry count travels with the message, not with the
	// dispatcher.
	Requeue(task model.Task) error
}

// ResultSink publishes completion events for external observers.
// Publishing is best-effort; a lost event affects observability only.
type ResultSink interface {
	Publish(ctx context.Context, res model.Result) error
}
