package store

import (
	"context"
	"time"
)

// Transition is one lifecycle state change of a managed service. The journal
// records transitions only; it is not a metrics store.
type Transition struct {
	ServiceID  string    `json:"serviceId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	PID        int       `json:"pid,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Store persists the transition journal. Implementations must be safe for
// concurrent use; every actor appends through the same store.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordTransition(ctx context.Context, t Transition) error
	// Recent returns up to limit transitions for serviceID, newest first.
	// An empty serviceID selects across all services.
	Recent(ctx context.Context, serviceID string, limit int) ([]Transition, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
