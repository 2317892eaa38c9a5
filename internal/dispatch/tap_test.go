package dispatch

import (
	"testing"
	"time"

	"github.com/ts-klassen/vvx-worker/internal/model"
)

func TestTapDeliversToSubscribers(t *testing.T) {
	tap := NewEventTap()

	ch, unsub := tap.Subscribe()
	defer unsub()

	res := model.Result{TaskID: "t1", EngineID: 2, Success: true}
	tap.Publish(res)

	select {
	case got := <-ch:
		if got.TaskID != "t1" || !got.Success {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTapUnsubscribeStopsDelivery(t *testing.T) {
	tap := NewEventTap()

	ch, unsub := tap.Subscribe()
	unsub()

	tap.Publish(model.Result{TaskID: "t1"})

	select {
	case res, ok := <-ch:
		if ok {
			t.Errorf("received %+v after unsubscribe", res)
		}
	default:
	}
}

func TestTapDropsWhenSubscriberFull(t *testing.T) {
	tap := NewEventTap()

	ch, unsub := tap.Subscribe()
	defer unsub()

	// Publish past the buffer; none of these may block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			tap.Publish(model.Result{TaskID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if len(ch) != subscriberBufferSize {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBufferSize)
	}
}

func TestTapCloseClosesSubscribers(t *testing.T) {
	tap := NewEventTap()

	ch, _ := tap.Subscribe()
	tap.Close()

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}

	// Late subscribers get an already-closed channel.
	late, _ := tap.Subscribe()
	if _, ok := <-late; ok {
		t.Error("late subscription channel not closed")
	}

	// Publish and a second Close after closing are no-ops.
	tap.Publish(model.Result{TaskID: "t1"})
	tap.Close()
}
