package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := SubscribePrefix(b, 4, "tracking.")
	defer unsubC()

	b.Publish(Event{Type: "config.reloaded"})
	b.Publish(Event{Type: TrackingChange, Data: TrackingEvent{Chat: "1", Index: 0}})

	if got := len(a); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(c); got != 1 {
		t.Fatalf("prefix subscriber got %d events, want 1", got)
	}
	e := <-c
	if e.Type != TrackingChange || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if ev, ok := e.Data.(TrackingEvent); !ok || ev.Chat != "1" {
		t.Fatalf("unexpected data %#v", e.Data)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if Dropped(b) != 9 {
		t.Fatalf("Dropped = %d, want 9", Dropped(b))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}
