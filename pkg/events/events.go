// Package events carries task lifecycle notifications from the task
// manager to observers. The default implementation is in-memory; a
// NATS-backed emitter is available for multi-process deployments.
package events

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed emitter or subscription.
	ErrClosed = errors.New("emitter or subscription closed")
)

// Type identifies an event kind.
type Type string

const (
	TypeStarted       Type = "started"
	TypeProgress      Type = "progress"
	TypeCompleted     Type = "completed"
	TypeFailed        Type = "failed"
	TypeCancelled     Type = "cancelled"
	TypeSecurityAlert Type = "security_alert"
)

// Event is one task lifecycle notification. Events for a single task
// are delivered to each subscriber in emission order.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Progress is an advisory completion fraction in [0,1). Only set on
	// progress events.
	Progress float64 `json:"progress,omitempty"`

	// Output carries a captured output fragment on progress events and
	// the final capped stdout on terminal events.
	Output string `json:"output,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// ExitCode and Duration are set on terminal events once the process
	// has actually run.
	ExitCode *int          `json:"exit_code,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// Code carries the rejection or failure code on failed and
	// security_alert events.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// CorrelationID ties a security_alert to its audit record.
	CorrelationID string `json:"correlation_id,omitempty"`

	Details map[string]any `json:"details,omitempty"`
}

// Terminal reports whether the event ends a task's stream. Exactly one
// terminal event is emitted per task.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeCompleted, TypeFailed, TypeCancelled:
		return true
	default:
		return false
	}
}

// Handler processes one delivered event. Called from the subscription's
// delivery goroutine; a slow handler delays only its own subscription.
type Handler func(Event)

// SubscribeAll is the task filter matching every task.
const SubscribeAll = "*"

// Emitter publishes task events to subscribers.
// Implementations must be safe for concurrent use.
type Emitter interface {
	// Emit publishes an event to every matching subscriber. Returns
	// without waiting for delivery.
	Emit(ctx context.Context, ev Event) error

	// Subscribe registers a handler for a task's events. Pass
	// SubscribeAll to receive events for every task.
	Subscribe(ctx context.Context, taskID string, handler Handler) (Subscription, error)

	// Close shuts down the emitter and all subscriptions.
	Close() error
}

// Subscription is an active event subscription.
type Subscription interface {
	// Unsubscribe stops delivery and releases resources.
	Unsubscribe() error

	// TaskID returns the task filter this subscription was created with.
	TaskID() string
}
