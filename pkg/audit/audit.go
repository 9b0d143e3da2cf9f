// Package audit records every admission decision and execution outcome
// durably. The trail is append-only: nothing in the gateway updates or
// deletes audit rows.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit record.
type EventType string

const (
	EventSubmitted     EventType = "submitted"
	EventRejected      EventType = "rejected"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventCancelled     EventType = "cancelled"
	EventTimedOut      EventType = "timed_out"
	EventSecurityAlert EventType = "security_alert"
)

// Record is one audit trail entry.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	TaskID    string    `json:"task_id,omitempty"`
	Identity  string    `json:"identity"`
	Tool      string    `json:"tool,omitempty"`
	Args      []string  `json:"args,omitempty"`

	// Code and Reason are set on rejections and failures.
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	ExitCode   int           `json:"exit_code,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	OutputSize int64         `json:"output_size,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	Score      float64       `json:"score,omitempty"`
}

// NewRecord creates a record with a fresh id and timestamp.
func NewRecord(eventType EventType) Record {
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
	}
}

// Sink persists audit records. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Write persists one record. A nil return means the record is
	// durable.
	Write(ctx context.Context, rec Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	Close() error
}

// MemorySink keeps records in memory. Used in tests and as a fallback
// when no audit path is configured.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Write(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemorySink) Recent(ctx context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.records)
	if limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemorySink) Close() error { return nil }

// Len returns the number of stored records.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
