package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 10)
	defer unsub()

	b.Publish(Event{Kind: "cache.message_upserted", Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "cache.message_upserted" {
			t.Errorf("got kind %q, want cache.message_upserted", evt.Kind)
		}
		if evt.ID == "" {
			t.Error("event ID not assigned")
		}
		if evt.Timestamp.IsZero() {
			t.Error("event timestamp not assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	b.Publish(Event{Kind: "cache.cleanup"})
	b.Publish(Event{Kind: "chat.message"})

	select {
	case evt := <-ch:
		if evt.Kind != "chat.message" {
			t.Errorf("got kind %q, want chat.message", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the cache event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 10)
	unsub()

	b.Publish(Event{Kind: "cache.cleanup"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestExplicitIDPreserved(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{ID: "fixed", Kind: "test.one"})

	evt := <-ch
	if evt.ID != "fixed" {
		t.Errorf("ID = %q, want fixed", evt.ID)
	}
}
