package eventbus

import (
	"context"
	"time"
)

// Event is a typed message published on the bus.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ExecutionID int64     `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter selects the events a subscriber wants to receive.
// A zero ExecutionID matches every execution.
type Filter struct {
	ExecutionID int64    `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Handler is invoked synchronously in the publisher's goroutine.
// Handlers must return quickly and must not publish.
type Handler func(Event)

// Bus provides fan-out publish/subscribe of execution events.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
	Handle(filter Filter, handler Handler) func()
}
