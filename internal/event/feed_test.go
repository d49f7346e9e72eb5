package event

import (
	"testing"
	"time"
)

func TestPublish_AppendsAndStamps(t *testing.T) {
	f := NewFeed()
	f.Publish(Event{Type: TypeTradeExecuted, Instance: "shr-1"})

	events := f.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].At.IsZero() {
		t.Error("publish must stamp At when unset")
	}
	if f.CountByType(TypeTradeExecuted) != 1 {
		t.Error("count by type mismatch")
	}
}

func TestSubscribe_ReceivesFutureEvents(t *testing.T) {
	f := NewFeed()
	ch := f.Subscribe(4)

	f.Publish(Event{Type: TypeRewardClaimed})

	select {
	case e := <-ch:
		if e.Type != TypeRewardClaimed {
			t.Errorf("unexpected event type %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}
}

func TestPublish_DropsWhenSubscriberFull(t *testing.T) {
	f := NewFeed()
	f.Subscribe(1)

	// Second publish overflows the buffer; it must not block.
	done := make(chan struct{})
	go func() {
		f.Publish(Event{Type: TypeFeeReceived})
		f.Publish(Event{Type: TypeFeeReceived})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := f.CountByType(TypeFeeReceived); got != 2 {
		t.Errorf("log must keep every event, got %d", got)
	}
}
