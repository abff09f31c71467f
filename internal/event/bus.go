package event

import (
	"log/slog"
	"sync"
	"time"
)

// Phase marks where in its lifecycle a sync run or order job is.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhasePage      Phase = "page"
	PhaseCleanup   Phase = "cleanup"
	PhaseCompleted Phase = "completed"
	PhasePaused    Phase = "paused"
	PhaseFailed    Phase = "failed"
	PhaseSkipped   Phase = "skipped"
)

// Event is one structured progress notification. Domain is empty for pool and
// order events.
type Event struct {
	Domain         string    `json:"domain,omitempty"`
	Phase          Phase     `json:"phase"`
	Page           int       `json:"page,omitempty"`
	TotalPages     int       `json:"total_pages,omitempty"`
	ItemsProcessed int       `json:"items_processed,omitempty"`
	ItemsTotal     int       `json:"items_total,omitempty"`
	Message        string    `json:"message,omitempty"`
	At             time.Time `json:"at"`
}

// Subscriber receives progress events. Implementations must not block; slow
// consumers should buffer on their side.
type Subscriber func(Event)

// Bus fans progress events out to subscribers. The core owns the bus; callers
// subscribe through the explicit API instead of implicit listener registration.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
	last map[string]Event
}

func NewBus() *Bus {
	return &Bus{last: make(map[string]Event)}
}

// Subscribe adds a subscriber. Subscribers cannot be removed individually; the
// bus lives as long as the owning service.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
}

// Publish delivers e to all subscribers synchronously and records it as the
// last event for its domain.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	b.last[e.Domain] = e
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		s(e)
	}
}

// Last returns the most recent event per domain key.
func (b *Bus) Last() map[string]Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Event, len(b.last))
	for k, v := range b.last {
		out[k] = v
	}
	return out
}

// SlogSubscriber logs every event at debug level, page events excluded to keep
// the log readable on large domains.
func SlogSubscriber(l *slog.Logger) Subscriber {
	return func(e Event) {
		if e.Phase == PhasePage {
			return
		}
		l.Debug("progress",
			"domain", e.Domain,
			"phase", string(e.Phase),
			"page", e.Page,
			"total_pages", e.TotalPages,
			"items", e.ItemsProcessed,
			"message", e.Message,
		)
	}
}
