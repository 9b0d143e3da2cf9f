package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/odvcencio/warden/pkg/access"
	"github.com/odvcencio/warden/pkg/audit"
	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/errors"
	"github.com/odvcencio/warden/pkg/events"
	"github.com/odvcencio/warden/pkg/executor"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/telemetry"
	"github.com/odvcencio/warden/pkg/validate"
)

// Stats is a point-in-time view of the manager's counters.
type Stats struct {
	Submitted      uint64 `json:"submitted"`
	Admitted       uint64 `json:"admitted"`
	Rejected       uint64 `json:"rejected"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	TimedOut       uint64 `json:"timed_out"`
	Cancelled      uint64 `json:"cancelled"`
	SecurityAlerts uint64 `json:"security_alerts"`
	Active         int    `json:"active"`
	Retained       int    `json:"retained"`
}

// Manager admits requests, runs them, and retains terminal tasks for
// the configured retention window.
type Manager struct {
	cfg       *config.Config
	validator *validate.Validator
	access    *access.Controller
	exec      *executor.Executor
	emitter   events.Emitter
	auditor   *audit.Writer
	log       *logging.Logger

	// mu guards tasks, counters, limiters, and the admission decision.
	// Slot reservation and task registration happen under one lock hold
	// so the ceilings cannot be oversubscribed by concurrent submits.
	mu          sync.Mutex
	tasks       map[string]*Task
	perIdentity map[string]int
	limiters    map[string]*rate.Limiter
	active      int
	stats       Stats

	global *semaphore.Weighted
	wg     sync.WaitGroup
}

// NewManager wires the manager over its collaborators.
func NewManager(
	cfg *config.Config,
	validator *validate.Validator,
	controller *access.Controller,
	exec *executor.Executor,
	emitter events.Emitter,
	auditor *audit.Writer,
	log *logging.Logger,
) *Manager {
	return &Manager{
		cfg:         cfg,
		validator:   validator,
		access:      controller,
		exec:        exec,
		emitter:     emitter,
		auditor:     auditor,
		log:         log,
		tasks:       make(map[string]*Task),
		perIdentity: make(map[string]int),
		limiters:    make(map[string]*rate.Limiter),
		global:      semaphore.NewWeighted(int64(cfg.Execution.GlobalConcurrent)),
	}
}

// UpdateConfig swaps the decision data consulted at admission: the
// tool whitelist, pattern rules, and role table. Execution ceilings,
// sandbox root, and storage paths stay fixed for the process lifetime.
func (m *Manager) UpdateConfig(cfg *config.Config) error {
	validator, err := validate.New(cfg)
	if err != nil {
		return err
	}
	controller := access.NewController(cfg)

	m.mu.Lock()
	m.validator = validator
	m.access = controller
	m.mu.Unlock()
	return nil
}

// collaborators returns the current validator and access controller,
// which UpdateConfig may swap at any time.
func (m *Manager) collaborators() (*validate.Validator, *access.Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validator, m.access
}

// Submit validates the request, reserves capacity, and launches the
// task. The returned snapshot is the task in Queued; execution proceeds
// asynchronously.
func (m *Manager) Submit(ctx context.Context, req validate.Request) (Snapshot, error) {
	m.mu.Lock()
	m.stats.Submitted++
	m.mu.Unlock()

	validator, controller := m.collaborators()

	role, err := controller.CheckExecute(req.Identity, req.Tool)
	if err != nil {
		m.recordRejection(req, errors.GetCode(err), err.Error())
		return Snapshot{}, err
	}

	if !m.allowSubmit(req.Identity, role) {
		rejErr := errors.New(errors.ErrCodeSystemOverload, "submission rate limit exceeded").
			WithContext("identity", req.Identity).
			WithRetryable(true)
		m.recordRejection(req, errors.ErrCodeSystemOverload, rejErr.Message)
		return Snapshot{}, rejErr
	}

	result := validator.Validate(req)
	if !result.Accepted {
		if result.Code == errors.ErrCodeSecurityViolation {
			m.recordSecurityAlert(req, result.Reason)
		} else {
			m.recordRejection(req, result.Code, result.Reason)
		}
		return Snapshot{}, errors.New(result.Code, result.Reason)
	}

	timeout := m.cfg.EffectiveTimeout(result.Tool, req.Timeout)
	if role.MaxTimeout > 0 && timeout > role.MaxTimeout {
		timeout = role.MaxTimeout
	}

	// Atomic admission: global slot and per-identity slot are reserved
	// together, and the task is registered before the lock drops.
	m.mu.Lock()
	if !m.global.TryAcquire(1) {
		m.mu.Unlock()
		m.recordRejection(req, errors.ErrCodeSystemOverload, "global concurrency ceiling reached")
		return Snapshot{}, errors.New(errors.ErrCodeSystemOverload, "global concurrency ceiling reached").
			WithRetryable(true)
	}
	if role.MaxConcurrent > 0 && m.perIdentity[req.Identity] >= role.MaxConcurrent {
		m.global.Release(1)
		m.mu.Unlock()
		m.recordRejection(req, errors.ErrCodeSystemOverload, "identity concurrency ceiling reached")
		return Snapshot{}, errors.New(errors.ErrCodeSystemOverload, "identity concurrency ceiling reached").
			WithContext("identity", req.Identity).
			WithRetryable(true)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:          ulid.Make().String(),
		identity:    req.Identity,
		tool:        result.Tool.Name,
		argv:        result.Argv,
		workDir:     req.WorkDir,
		timeout:     timeout,
		state:       StateQueued,
		submittedAt: time.Now(),
		cancel:      cancel,
	}
	m.tasks[t.id] = t
	m.perIdentity[req.Identity]++
	m.active++
	m.stats.Admitted++
	m.mu.Unlock()

	telemetry.TaskAdmitted()
	m.log.TaskEvent(logging.CategoryTask, "task_admitted", t.id, t.identity, "", map[string]any{
		"tool":    t.tool,
		"timeout": timeout.String(),
		"score":   result.Score,
	})

	rec := audit.NewRecord(audit.EventSubmitted)
	rec.TaskID = t.id
	rec.Identity = t.identity
	rec.Tool = t.tool
	rec.Args = t.argv
	rec.Score = result.Score
	m.enqueueAudit(t, rec)

	m.wg.Add(1)
	go m.run(runCtx, t, result)

	return t.snapshot(), nil
}

// Status returns the task snapshot, subject to the caller's view
// permission.
func (m *Manager) Status(identity, taskID string) (Snapshot, error) {
	t, err := m.lookup(taskID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := t.snapshot()
	_, controller := m.collaborators()
	if err := controller.CheckView(identity, snap.Identity); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Cancel requests termination. Force skips the graceful SIGTERM and
// grace period and kills the process group outright. Cancelling a
// terminal task is a no-op and returns the unchanged snapshot.
func (m *Manager) Cancel(identity, taskID string, force bool) (Snapshot, error) {
	t, err := m.lookup(taskID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := t.snapshot()
	_, controller := m.collaborators()
	if err := controller.CheckCancel(identity, snap.Identity); err != nil {
		return Snapshot{}, err
	}
	if !snap.State.Terminal() {
		if force {
			t.requestForce()
		}
		m.log.TaskEvent(logging.CategoryTask, "cancel_requested", taskID, identity, "", map[string]any{
			"force": force,
		})
		t.cancel()
	}
	return t.snapshot(), nil
}

// Delete evicts a terminal task from the registry ahead of retention.
// Live tasks must be cancelled first, and a task whose audit records
// are still in flight stays until they land.
func (m *Manager) Delete(identity, taskID string) error {
	t, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	snap := t.snapshot()
	_, controller := m.collaborators()
	if err := controller.CheckCancel(identity, snap.Identity); err != nil {
		return err
	}
	if !snap.State.Terminal() {
		return errors.New(errors.ErrCodeInvalidCommand, "task is not terminal").
			WithContext("task_id", taskID).
			WithContext("state", string(snap.State))
	}
	if !t.evictable(time.Now(), 0) {
		return errors.New(errors.ErrCodeInternal, "audit write still pending").
			WithContext("task_id", taskID).
			WithRetryable(true)
	}

	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()

	m.log.TaskEvent(logging.CategoryTask, "task_deleted", taskID, identity, "", nil)
	return nil
}

// List returns snapshots of every task the identity may view.
func (m *Manager) List(identity string) ([]Snapshot, error) {
	_, controller := m.collaborators()
	if _, err := controller.Resolve(identity); err != nil {
		return nil, err
	}

	m.mu.Lock()
	all := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	m.mu.Unlock()

	var out []Snapshot
	for _, t := range all {
		snap := t.snapshot()
		if controller.CheckView(identity, snap.Identity) == nil {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Active = m.active
	s.Retained = len(m.tasks)
	return s
}

// Run drives the retention janitor and audit depth gauge until ctx is
// cancelled, then cancels every live task and waits for them to finish.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.Execution.Retention / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
			telemetry.SetAuditQueueDepth(m.auditor.Depth())
		case <-ctx.Done():
			m.cancelAll()
			m.wg.Wait()
			return
		}
	}
}

// sweep evicts terminal tasks past retention whose audit records are
// durable.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range m.tasks {
		if t.evictable(now, m.cfg.Execution.Retention) {
			delete(m.tasks, id)
		}
	}
}

func (m *Manager) cancelAll() {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		if !t.snapshot().State.Terminal() {
			t.cancel()
		}
	}
}

func (m *Manager) lookup(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, errors.New(errors.ErrCodeTaskNotFound, "no such task").
			WithContext("task_id", taskID)
	}
	return t, nil
}

// allowSubmit consults the identity's submission rate limiter.
func (m *Manager) allowSubmit(identity string, role config.Role) bool {
	if role.SubmitRate <= 0 {
		return true
	}

	m.mu.Lock()
	limiter, ok := m.limiters[identity]
	if !ok {
		burst := role.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(role.SubmitRate), burst)
		m.limiters[identity] = limiter
	}
	m.mu.Unlock()

	return limiter.Allow()
}

// run executes the task to its terminal state.
func (m *Manager) run(ctx context.Context, t *Task, result validate.Result) {
	defer m.wg.Done()

	// Cancelled before the process ever started.
	if ctx.Err() != nil {
		m.finalize(t, StateCancelled, "", "cancelled before start", nil)
		return
	}

	t.markRunning(time.Now())
	telemetry.TaskStarted()
	m.emit(events.Event{Type: events.TypeStarted, TaskID: t.id, Identity: t.identity, Tool: t.tool})

	res, err := m.exec.Run(ctx, executor.Spec{
		TaskID:  t.id,
		Tool:    result.Tool,
		Argv:    t.argv,
		WorkDir: t.workDir,
		Timeout: t.timeout,
		OnProgress: func(fraction float64) {
			if t.setProgress(fraction) {
				m.emit(events.Event{Type: events.TypeProgress, TaskID: t.id, Identity: t.identity, Tool: t.tool, Progress: fraction})
			}
		},
		OnOutput: func(chunk []byte) {
			m.emit(events.Event{
				Type:     events.TypeProgress,
				TaskID:   t.id,
				Identity: t.identity,
				Tool:     t.tool,
				Progress: t.currentProgress(),
				Output:   string(chunk),
			})
		},
		ForceKill: t.forceRequested,
	})
	if err != nil {
		m.finalize(t, StateFailed, string(errors.GetCode(err)), err.Error(), nil)
		return
	}

	switch {
	case res.TimedOut:
		m.finalize(t, StateTimedOut, string(errors.ErrCodeCommandTimeout),
			fmt.Sprintf("execution exceeded %s", t.timeout), res)
	case res.Cancelled:
		m.finalize(t, StateCancelled, "", "cancelled", res)
	case res.Success(result.Tool):
		m.finalize(t, StateCompleted, "", "", res)
	default:
		m.finalize(t, StateFailed, string(errors.ErrCodeExecution),
			fmt.Sprintf("exit code %d", res.ExitCode), res)
	}
}

// finalize performs the single terminal transition: task state, slot
// release, terminal event, audit record, metrics. Exactly one caller
// wins; later calls are no-ops.
func (m *Manager) finalize(t *Task, state State, code, reason string, res *executor.Result) {
	now := time.Now()

	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	wasRunning := t.state == StateRunning
	if res != nil {
		t.exitCode = res.ExitCode
		t.stdout = res.Stdout
		t.stderr = res.Stderr
		t.truncated = res.Truncated
	}
	t.code = code
	t.reason = reason
	t.state = state
	t.finishedAt = now
	if state == StateCompleted {
		t.progress = 1
	}
	t.mu.Unlock()

	m.mu.Lock()
	m.global.Release(1)
	m.perIdentity[t.identity]--
	if m.perIdentity[t.identity] <= 0 {
		delete(m.perIdentity, t.identity)
	}
	m.active--
	switch state {
	case StateCompleted:
		m.stats.Completed++
	case StateFailed:
		m.stats.Failed++
	case StateTimedOut:
		m.stats.TimedOut++
	case StateCancelled:
		m.stats.Cancelled++
	}
	m.mu.Unlock()

	snap := t.snapshot()
	m.emit(terminalEvent(snap))
	if wasRunning {
		telemetry.TaskFinished(string(state), snap.Duration.Seconds())
	}

	rec := audit.NewRecord(terminalAuditType(state))
	rec.TaskID = t.id
	rec.Identity = t.identity
	rec.Tool = t.tool
	rec.Args = t.argv
	rec.Code = code
	rec.Reason = reason
	rec.ExitCode = snap.ExitCode
	rec.Duration = snap.Duration
	rec.OutputSize = int64(len(snap.Stdout) + len(snap.Stderr))
	rec.Truncated = snap.Truncated
	m.enqueueAudit(t, rec)

	m.log.TaskEvent(logging.CategoryTask, "task_finished", t.id, t.identity, "", map[string]any{
		"state":     string(state),
		"code":      code,
		"exit_code": snap.ExitCode,
		"duration":  snap.Duration.String(),
	})
}

// terminalEvent maps a terminal snapshot to its event. TimedOut
// surfaces as a failed event carrying the timeout code.
func terminalEvent(snap Snapshot) events.Event {
	ev := events.Event{
		TaskID:   snap.ID,
		Identity: snap.Identity,
		Tool:     snap.Tool,
		Output:   snap.Stdout,
		Stderr:   snap.Stderr,
		Duration: snap.Duration,
		Code:     snap.Code,
		Message:  snap.Reason,
	}
	if !snap.StartedAt.IsZero() {
		exitCode := snap.ExitCode
		ev.ExitCode = &exitCode
	}
	switch snap.State {
	case StateCompleted:
		ev.Type = events.TypeCompleted
	case StateCancelled:
		ev.Type = events.TypeCancelled
	default:
		ev.Type = events.TypeFailed
	}
	return ev
}

func terminalAuditType(state State) audit.EventType {
	switch state {
	case StateCompleted:
		return audit.EventCompleted
	case StateTimedOut:
		return audit.EventTimedOut
	case StateCancelled:
		return audit.EventCancelled
	default:
		return audit.EventFailed
	}
}

func (m *Manager) emit(ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := m.emitter.Emit(context.Background(), ev); err != nil {
		m.log.Warn(logging.CategoryTask, "emit_failed", "dropping event", map[string]any{
			"type":    string(ev.Type),
			"task_id": ev.TaskID,
			"error":   err.Error(),
		})
	}
}

// enqueueAudit queues a record and tracks its durability on the task so
// retention cannot outrun the audit trail.
func (m *Manager) enqueueAudit(t *Task, rec audit.Record) {
	t.addAuditPending(1)
	err := m.auditor.Enqueue(rec, func(error) {
		t.addAuditPending(-1)
	})
	if err != nil {
		t.addAuditPending(-1)
		m.log.Error(logging.CategoryAudit, "enqueue_failed", "audit record not queued", map[string]any{
			"event_type": string(rec.EventType),
			"task_id":    rec.TaskID,
		})
	}
}

// recordRejection audits a rejected submission. No task exists for it.
func (m *Manager) recordRejection(req validate.Request, code errors.ErrorCode, reason string) {
	m.mu.Lock()
	m.stats.Rejected++
	m.mu.Unlock()

	telemetry.TaskRejected(string(code))

	rec := audit.NewRecord(audit.EventRejected)
	rec.Identity = req.Identity
	rec.Tool = req.Tool
	rec.Args = req.Args
	rec.Code = string(code)
	rec.Reason = reason
	if err := m.auditor.Enqueue(rec, nil); err != nil {
		m.log.Error(logging.CategoryAudit, "enqueue_failed", "rejection not audited", map[string]any{
			"identity": req.Identity,
			"code":     string(code),
		})
	}

	m.log.TaskEvent(logging.CategoryValidation, "request_rejected", "", req.Identity, reason, map[string]any{
		"tool": req.Tool,
		"code": string(code),
	})
}

// recordSecurityAlert audits a security violation and emits the
// security_alert event, correlated by the audit record id.
func (m *Manager) recordSecurityAlert(req validate.Request, reason string) {
	m.mu.Lock()
	m.stats.Rejected++
	m.stats.SecurityAlerts++
	m.mu.Unlock()

	telemetry.TaskRejected(string(errors.ErrCodeSecurityViolation))
	telemetry.SecurityAlert()

	rec := audit.NewRecord(audit.EventSecurityAlert)
	rec.Identity = req.Identity
	rec.Tool = req.Tool
	rec.Args = req.Args
	rec.Code = string(errors.ErrCodeSecurityViolation)
	rec.Reason = reason
	if err := m.auditor.Enqueue(rec, nil); err != nil {
		m.log.Error(logging.CategoryAudit, "enqueue_failed", "security alert not audited", map[string]any{
			"identity": req.Identity,
		})
	}

	m.emit(events.Event{
		Type:          events.TypeSecurityAlert,
		Identity:      req.Identity,
		Tool:          req.Tool,
		Code:          string(errors.ErrCodeSecurityViolation),
		Message:       reason,
		CorrelationID: rec.ID,
	})

	m.log.TaskEvent(logging.CategoryValidation, "security_alert", "", req.Identity, reason, map[string]any{
		"tool":           req.Tool,
		"correlation_id": rec.ID,
	})
}
