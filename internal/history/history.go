package history

import (
	"context"
	"time"

	"github.com/loykin/servo/internal/store"
)

// Event wraps a lifecycle transition for export to external analytics
// systems.
type Event struct {
	OccurredAt time.Time        `json:"occurred_at"`
	Transition store.Transition `json:"transition"`
}

// Sink is a destination for transition events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
