package event

import (
	"sync"
	"testing"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	got := make([]string, 0, 2)
	b.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, "a:"+e.Domain)
		mu.Unlock()
	})
	b.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, "b:"+e.Domain)
		mu.Unlock()
	})
	b.Publish(Event{Domain: "customers", Phase: PhaseStarted})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
}

func TestLastTracksPerDomain(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Domain: "customers", Phase: PhaseStarted})
	b.Publish(Event{Domain: "customers", Phase: PhaseCompleted})
	b.Publish(Event{Domain: "prices", Phase: PhaseStarted})
	last := b.Last()
	if last["customers"].Phase != PhaseCompleted {
		t.Fatalf("customers last phase = %s", last["customers"].Phase)
	}
	if last["prices"].Phase != PhaseStarted {
		t.Fatalf("prices last phase = %s", last["prices"].Phase)
	}
	if last["customers"].At.IsZero() {
		t.Fatalf("timestamp not stamped")
	}
}
