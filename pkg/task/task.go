// Package task owns the lifecycle of admitted executions: admission
// against capacity ceilings, state transitions, event emission, audit
// hand-off, and retention of terminal tasks.
package task

import (
	"context"
	"sync"
	"time"
)

// State is a task's lifecycle position.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state ends the lifecycle. A terminal
// task never transitions again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// Task is one admitted execution. All mutation happens under mu through
// Manager; external callers only ever see Snapshots.
type Task struct {
	mu sync.Mutex

	id       string
	identity string
	tool     string
	argv     []string
	workDir  string
	timeout  time.Duration

	state       State
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time

	progress  float64
	exitCode  int
	stdout    string
	stderr    string
	truncated bool
	code      string
	reason    string

	cancel    context.CancelFunc
	forceKill bool

	// auditPending counts audit records not yet durable. Retention
	// eviction waits for it to reach zero so the trail is never shorter
	// than the registry.
	auditPending int
}

// Snapshot is an immutable copy of a task's state. Snapshots of a
// terminal task within the retention window are identical.
type Snapshot struct {
	ID          string        `json:"id"`
	Identity    string        `json:"identity"`
	Tool        string        `json:"tool"`
	Argv        []string      `json:"argv"`
	State       State         `json:"state"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
	Progress    float64       `json:"progress"`
	ExitCode    int           `json:"exit_code"`
	Stdout      string        `json:"stdout,omitempty"`
	Stderr      string        `json:"stderr,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	Code        string        `json:"code,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		ID:          t.id,
		Identity:    t.identity,
		Tool:        t.tool,
		Argv:        append([]string(nil), t.argv...),
		State:       t.state,
		SubmittedAt: t.submittedAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
		Progress:    t.progress,
		ExitCode:    t.exitCode,
		Stdout:      t.stdout,
		Stderr:      t.stderr,
		Truncated:   t.truncated,
		Code:        t.code,
		Reason:      t.reason,
	}
	if !t.finishedAt.IsZero() && !t.startedAt.IsZero() {
		snap.Duration = t.finishedAt.Sub(t.startedAt)
	}
	return snap
}

// setProgress updates the advisory fraction. Ignored once terminal.
func (t *Task) setProgress(fraction float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.progress = fraction
	return true
}

func (t *Task) currentProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Task) requestForce() {
	t.mu.Lock()
	t.forceKill = true
	t.mu.Unlock()
}

func (t *Task) forceRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forceKill
}

func (t *Task) markRunning(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateRunning
	t.startedAt = at
}

func (t *Task) addAuditPending(delta int) {
	t.mu.Lock()
	t.auditPending += delta
	t.mu.Unlock()
}

// evictable reports whether retention may drop the task.
func (t *Task) evictable(now time.Time, retention time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() || t.auditPending > 0 {
		return false
	}
	return now.Sub(t.finishedAt) >= retention
}
