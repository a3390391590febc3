package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	b.Emit(KindMessageReceived, MessageRef{PeerID: "alice", MessageID: "m1"})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageReceived {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageReceived)
		}
		ref, ok := evt.Payload.(MessageRef)
		if !ok || ref.PeerID != "alice" {
			t.Errorf("payload = %#v, want MessageRef for alice", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("roster.", 10)
	defer unsub()

	b.Emit(KindPresenceChanged, nil)
	b.Emit(KindRosterUpdated, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindRosterUpdated {
			t.Errorf("got kind %q, want %q", evt.Kind, KindRosterUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The presence event must not be delivered to the roster namespace.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	unsub()

	b.Emit(KindMessageSent, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 1)
	defer unsub()

	b.Emit(KindMessageReceived, nil)
	// Buffer is full; this one is dropped instead of blocking.
	b.Emit(KindMessageDeleted, nil)

	evt := <-ch
	if evt.Kind != KindMessageReceived {
		t.Errorf("got %q, want %q", evt.Kind, KindMessageReceived)
	}
}
