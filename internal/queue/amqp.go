package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ts-klassen/vvx-worker/internal/model"
)

// attemptHeader carries the per-task retry counter across redeliveries.
const attemptHeader = "x-attempt"

// defaultNextWait bounds how long Next blocks before reporting ErrEmpty.
const defaultNextWait = 2 * time.Second

// persistent marks published messages as delivery mode 2 so they survive
// a broker restart, matching the durable queue and exchange.
const persistent = amqp.Persistent

// AMQPQueue is the broker-backed TaskSource and ResultSink. One instance
// owns one connection and channel; the dispatcher drives it strictly
// sequentially, and prefetch is pinned to 1 so the broker never hands
// this consumer a second task while one is unacknowledged.
type AMQPQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	exchange string
	logger   *slog.Logger

	deliveries <-chan amqp.Delivery
	nextWait   time.Duration

	mu          sync.Mutex
	outstanding map[string]amqp.Delivery
}

// DialAMQP connects to the broker, declares the durable task queue and
// result topic exchange, and starts consuming with prefetch 1. The
// consumer tag embeds the engine id plus a ULID so restarts never collide.
func DialAMQP(addr, queueName, exchange string, engineID int, logger *slog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	tag := fmt.Sprintf("vvx-worker-%d-%s", engineID, model.NewID())
	deliveries, err := ch.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("start consumer: %w", err)
	}

	return &AMQPQueue{
		conn:        conn,
		ch:          ch,
		queue:       queueName,
		exchange:    exchange,
		logger:      logger,
		deliveries:  deliveries,
		nextWait:    defaultNextWait,
		outstanding: make(map[string]amqp.Delivery),
	}, nil
}

// Next waits up to the bounded window for a delivery. Malformed payloads
// are acknowledged and dropped so they cannot poison the queue, and the
// wait continues for the remainder of the window.
func (q *AMQPQueue) Next(ctx context.Context) (model.Task, error) {
	timer := time.NewTimer(q.nextWait)
	defer timer.Stop()

	for {
		select {
		case d, ok := <-q.deliveries:
			if !ok {
				return model.Task{}, ErrClosed
			}

			task, err := decodeTask(d.Body, d.Headers)
			if err != nil {
				q.logger.Error("invalid task payload, dropping", "error", err)
				if ackErr := d.Ack(false); ackErr != nil {
					return model.Task{}, fmt.Errorf("ack bad payload: %w", ackErr)
				}
				continue
			}

			q.mu.Lock()
			q.outstanding[task.TaskID] = d
			q.mu.Unlock()
			return task, nil

		case <-timer.C:
			return model.Task{}, ErrEmpty

		case <-ctx.Done():
			return model.Task{}, ctx.Err()
		}
	}
}

// Ack acknowledges the outstanding delivery for taskID.
func (q *AMQPQueue) Ack(taskID string) error {
	d, err := q.take(taskID)
	if err != nil {
		return err
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("ack task %s: %w", taskID, err)
	}
	return nil
}

// Requeue republishes the task with its attempt counter incremented and
// acknowledges the original delivery. Republishing rather than nacking
// keeps the retry count on the message itself, where any consumer that
// receives the redelivery can see it.
func (q *AMQPQueue) Requeue(task model.Task) error {
	d, err := q.take(task.TaskID)
	if err != nil {
		return err
	}

	body, headers := encodeTask(task, task.Attempt+1)
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: persistent,
		Headers:      headers,
		Body:         body,
	}
	if err := q.ch.PublishWithContext(context.Background(), "", q.queue, false, false, pub); err != nil {
		// Leave the original delivery unacked; the broker will redeliver.
		q.restore(task.TaskID, d)
		return fmt.Errorf("republish task %s: %w", task.TaskID, err)
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("ack requeued task %s: %w", task.TaskID, err)
	}
	return nil
}

// Publish sends a completion event to the result exchange, routed by
// eval id so observers can subscribe per evaluation run.
func (q *AMQPQueue) Publish(ctx context.Context, res model.Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: persistent,
		Body:         body,
	}
	if err := q.ch.PublishWithContext(ctx, q.exchange, res.EvalID, false, false, pub); err != nil {
		return fmt.Errorf("publish result for task %s: %w", res.TaskID, err)
	}
	return nil
}

// Close shuts down the channel and connection.
func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return fmt.Errorf("close channel: %w", err)
	}
	return q.conn.Close()
}

func (q *AMQPQueue) take(taskID string) (amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.outstanding[taskID]
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("no outstanding delivery for task %s", taskID)
	}
	delete(q.outstanding, taskID)
	return d, nil
}

func (q *AMQPQueue) restore(taskID string, d amqp.Delivery) {
	q.mu.Lock()
	q.outstanding[taskID] = d
	q.mu.Unlock()
}

// decodeTask parses a queue message body and pulls the attempt counter
// out of the headers. A missing or foreign-typed header means attempt 0.
func decodeTask(body []byte, headers amqp.Table) (model.Task, error) {
	var task model.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return model.Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	if task.TaskID == "" {
		return model.Task{}, fmt.Errorf("task payload missing task_id")
	}
	if task.SpeakerID < 0 {
		return model.Task{}, fmt.Errorf("task %s has negative speaker_id %d", task.TaskID, task.SpeakerID)
	}

	if headers != nil {
		switch v := headers[attemptHeader].(type) {
		case int32:
			task.Attempt = int(v)
		case int64:
			task.Attempt = int(v)
		case int:
			task.Attempt = v
		}
	}
	return task, nil
}

// encodeTask renders the task body and headers for (re)publication.
func encodeTask(task model.Task, attempt int) ([]byte, amqp.Table) {
	// Task marshalling cannot fail: all fields are plain strings and ints.
	body, _ := json.Marshal(task)
	return body, amqp.Table{attemptHeader: int32(attempt)}
}
