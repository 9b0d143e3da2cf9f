// Package executor spawns whitelisted tools as direct child processes.
// It never involves a shell: the validated argument vector is passed to
// the tool's configured binary path verbatim, so shell metacharacters
// have no interpreter to reach.
package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/errors"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/pool"
)

// Spec describes one execution. Built by the task manager from a
// validated request; the executor trusts Argv has already passed
// validation.
type Spec struct {
	TaskID  string
	Tool    config.ToolSpec
	Argv    []string
	Timeout time.Duration
	WorkDir string

	// OnProgress, when set, receives advisory completion fractions in
	// [0,1) roughly once per second while the process runs.
	OnProgress func(fraction float64)

	// OnOutput, when set, receives each captured output chunk as it is
	// written. Chunks are capped the same way the accumulated capture is;
	// nothing past the output cap is forwarded.
	OnOutput func(chunk []byte)

	// ForceKill is consulted when the context is cancelled. True sends
	// SIGKILL to the process group immediately instead of SIGTERM
	// followed by the grace period.
	ForceKill func() bool
}

// Result is the outcome of one execution.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
	StartedAt time.Time

	// TimedOut and Cancelled record why the process was killed, when it
	// was. At most one is set.
	TimedOut  bool
	Cancelled bool
}

// Success reports whether the exit code counts as success for the tool.
func (r *Result) Success(tool config.ToolSpec) bool {
	return !r.TimedOut && !r.Cancelled && tool.IsSuccessCode(r.ExitCode)
}

// Executor runs tool processes under the execution ceilings.
type Executor struct {
	cfg  config.ExecutionConfig
	root string
	log  *logging.Logger
	bufs *pool.ByteBufferPool
}

// New creates an executor. root is the sandbox root bounding every
// working directory.
func New(cfg config.ExecutionConfig, root string, log *logging.Logger) *Executor {
	return &Executor{
		cfg:  cfg,
		root: root,
		log:  log,
		bufs: pool.NewByteBufferPool(),
	}
}

// Run executes the spec and blocks until the process exits or is
// killed. Cancelling ctx terminates the process; a timeout is tracked
// independently of the caller's context.
func (e *Executor) Run(ctx context.Context, spec Spec) (*Result, error) {
	workDir, err := e.resolveWorkDir(spec)
	if err != nil {
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	cmd := exec.Command(spec.Tool.Path, spec.Argv...)
	cmd.Dir = workDir
	cmd.Env = scrubbedEnv(workDir)
	setSysProcAttr(cmd, e.cfg.RunAsUID, e.cfg.RunAsGID)

	stdout := e.newCapWriter(spec.OnOutput)
	stderr := e.newCapWriter(spec.OnOutput)
	defer stdout.release()
	defer stderr.release()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExecution, "starting "+spec.Tool.Name)
	}

	e.log.TaskEvent(logging.CategoryExecutor, "process_started", spec.TaskID, "", "", map[string]any{
		"tool": spec.Tool.Name,
		"pid":  cmd.Process.Pid,
	})

	// The timeout timer is independent of the caller's context so a
	// cancelled submit connection cannot extend or shorten the limit.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var progressDone chan struct{}
	if spec.OnProgress != nil {
		progressDone = make(chan struct{})
		go reportProgress(runCtx, progressDone, start, timeout, spec.OnProgress)
	}

	result := &Result{StartedAt: start}
	var waitErr error

	var killTimer *time.Timer

	select {
	case waitErr = <-done:
	case <-timer.C:
		result.TimedOut = true
		killTimer = e.terminate(cmd, spec.TaskID, false)
		waitErr = <-done
	case <-ctx.Done():
		result.Cancelled = true
		killTimer = e.terminate(cmd, spec.TaskID, spec.ForceKill != nil && spec.ForceKill())
		waitErr = <-done
	}

	// The group is reaped once Wait returns; a SIGKILL fired later could
	// land on a reused pid.
	if killTimer != nil {
		killTimer.Stop()
	}

	cancelRun()
	if progressDone != nil {
		<-progressDone
	}

	result.Duration = time.Since(start)
	result.Stdout, result.Stderr = stdout.String(), stderr.String()
	result.Truncated = stdout.truncated || stderr.truncated

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else if !result.TimedOut && !result.Cancelled {
			return nil, errors.Wrap(waitErr, errors.ErrCodeExecution, "waiting for "+spec.Tool.Name)
		} else {
			result.ExitCode = -1
		}
	}

	e.log.TaskEvent(logging.CategoryExecutor, "process_exited", spec.TaskID, "", "", map[string]any{
		"tool":      spec.Tool.Name,
		"exit_code": result.ExitCode,
		"duration":  result.Duration.String(),
		"timed_out": result.TimedOut,
		"cancelled": result.Cancelled,
	})

	return result, nil
}

// terminate asks the process group to exit, escalating to SIGKILL after
// the grace period. Force skips the grace sequence entirely. The
// returned timer, if any, must be stopped once the process is reaped.
func (e *Executor) terminate(cmd *exec.Cmd, taskID string, force bool) *time.Timer {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid

	if force {
		if err := signalGroup(pid, true); err != nil {
			e.log.Warn(logging.CategoryExecutor, "terminate_failed", "force-killing process group", map[string]any{
				"task_id": taskID, "pid": pid, "error": err.Error(),
			})
		}
		return nil
	}

	if err := signalGroup(pid, false); err != nil {
		e.log.Warn(logging.CategoryExecutor, "terminate_failed", "signalling process group", map[string]any{
			"task_id": taskID, "pid": pid, "error": err.Error(),
		})
	}

	grace := e.cfg.GracePeriod
	if grace <= 0 {
		grace = config.DefaultGracePeriod
	}

	return time.AfterFunc(grace, func() {
		_ = signalGroup(pid, true)
	})
}

// resolveWorkDir picks and creates the working directory, enforcing the
// sandbox root bound a second time at the execution boundary.
func (e *Executor) resolveWorkDir(spec Spec) (string, error) {
	dir := spec.WorkDir
	if dir == "" {
		dir = filepath.Join(e.cfg.WorkDir, spec.TaskID)
	}
	dir = filepath.Clean(dir)

	root := filepath.Clean(e.root)
	if dir != root && !isUnder(dir, root) {
		return "", errors.New(errors.ErrCodeSecurityViolation, "working directory escapes sandbox root").
			WithContext("work_dir", dir)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeExecution, "creating working directory")
	}
	return dir, nil
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && (rel == "." || !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

// scrubbedEnv is the minimal environment handed to child processes.
// Nothing from the gateway's own environment leaks through.
func scrubbedEnv(workDir string) []string {
	return []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + workDir,
		"LC_ALL=C",
		"TZ=UTC",
	}
}

func reportProgress(ctx context.Context, done chan struct{}, start time.Time, timeout time.Duration, fn func(float64)) {
	defer close(done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fraction := float64(time.Since(start)) / float64(timeout)
			if fraction > 0.99 {
				fraction = 0.99
			}
			fn(fraction)
		case <-ctx.Done():
			return
		}
	}
}

// capWriter accumulates process output up to the configured cap,
// recording that truncation happened instead of growing without bound.
// Safe for the single writer goroutine exec.Cmd uses per stream.
type capWriter struct {
	mu        sync.Mutex
	buf       []byte
	cap       int64
	truncated bool
	pool      *pool.ByteBufferPool
	onChunk   func([]byte)
}

func (e *Executor) newCapWriter(onChunk func([]byte)) *capWriter {
	capacity := e.cfg.OutputCap
	if capacity <= 0 {
		capacity = config.DefaultOutputCap
	}
	return &capWriter{buf: e.bufs.Get(), cap: capacity, pool: e.bufs, onChunk: onChunk}
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()

	var captured []byte
	remaining := w.cap - int64(len(w.buf))
	switch {
	case remaining <= 0:
		w.truncated = true
	case int64(len(p)) > remaining:
		w.buf = append(w.buf, p[:remaining]...)
		w.truncated = true
		captured = p[:remaining]
	default:
		w.buf = append(w.buf, p...)
		captured = p
	}
	w.mu.Unlock()

	if w.onChunk != nil && len(captured) > 0 {
		// p is the caller's buffer; hand the observer its own copy.
		chunk := make([]byte, len(captured))
		copy(chunk, captured)
		w.onChunk(chunk)
	}
	return len(p), nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}

func (w *capWriter) release() {
	w.mu.Lock()
	buf := w.buf
	w.buf = nil
	w.mu.Unlock()
	w.pool.Put(buf)
}
