// Package streaming fans audit events out to live subscribers.
package streaming

import (
	"context"
	"time"
)

// Event is one audited action as seen on the live feed. It never carries
// secret values.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Type      string    `json:"type"`
	Principal string    `json:"principal"`
	Operation string    `json:"operation"`
	Resource  string    `json:"resource"`
	Outcome   string    `json:"outcome"`
	ErrorCode string    `json:"error_code,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	At        time.Time `json:"at"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	Principal  string   `json:"principal,omitempty"`
	Namespace  string   `json:"namespace,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Outcomes   []string `json:"outcomes,omitempty"`
}

// EventHub provides pub/sub for audit events.
type EventHub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
}
