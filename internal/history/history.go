package history

import (
	"context"
	"log/slog"

	"github.com/loykin/erpsync/internal/store"
)

// Sink is a destination for change records (analytics/audit systems).
// Implementations must be safe for concurrent use. Sink failures are advisory:
// the primary store already holds the change, so delivery errors are logged by
// the fan-out and never fail a sync run.
type Sink interface {
	Send(ctx context.Context, c store.Change) error
}

// Fanout delivers one change to every sink, logging failures.
func Fanout(ctx context.Context, sinks []Sink, c store.Change) {
	for _, s := range sinks {
		if err := s.Send(ctx, c); err != nil {
			slog.Warn("change sink delivery failed", "domain", c.Domain, "entity", c.EntityID, "error", err)
		}
	}
}
