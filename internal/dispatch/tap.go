package dispatch

import (
	"sync"

	"github.com/ts-klassen/vvx-worker/internal/model"
)

// subscriberBufferSize is the channel buffer for each tap subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventTap fans completion events out to in-process observers (the ops
// SSE endpoint). It is an observability tap only: the authoritative
// result stream is the AMQP exchange, and dropped events here never
// affect a task's fate. Safe for concurrent use.
type EventTap struct {
	mu     sync.Mutex
	subs   map[int]chan model.Result
	nextID int
	closed bool
}

// NewEventTap creates an event tap with no subscribers.
func NewEventTap() *EventTap {
	return &EventTap{subs: make(map[int]chan model.Result)}
}

// Subscribe returns a channel receiving every future completion event and
// an unsubscribe function. After the tap is closed (worker stopped), the
// returned channel is immediately closed.
func (t *EventTap) Subscribe() (<-chan model.Result, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan model.Result, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends the event to all subscribers. Events are dropped for
// subscribers whose buffers are full so the dispatch loop never blocks.
func (t *EventTap) Publish(res model.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- res:
		default:
		}
	}
}

// Close signals that no more events will be published. All subscriber
// channels are closed and future Subscribe calls return a closed channel.
func (t *EventTap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
