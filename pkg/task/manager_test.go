//go:build !windows

package task

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/warden/pkg/access"
	"github.com/odvcencio/warden/pkg/audit"
	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/errors"
	"github.com/odvcencio/warden/pkg/events"
	"github.com/odvcencio/warden/pkg/executor"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/validate"
)

type harness struct {
	mgr     *Manager
	emitter *events.MemoryEmitter
	sink    *audit.MemorySink
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Security.SandboxRoot = root
	cfg.Execution.WorkDir = root
	cfg.Execution.GracePeriod = 200 * time.Millisecond
	cfg.Tools = []config.ToolSpec{
		{Name: "echo", Path: "/bin/echo"},
		{Name: "sleep", Path: "/bin/sleep"},
	}
	cfg.Roles = map[string]config.Role{
		"operator": {MaxConcurrent: 4, CanCancel: true, CanView: true},
		"limited":  {MaxConcurrent: 1},
	}
	cfg.Identities = map[string]string{
		"alice": "operator",
		"bob":   "operator",
		"slim":  "limited",
	}
	if mutate != nil {
		mutate(cfg)
	}

	validator, err := validate.New(cfg)
	require.NoError(t, err)

	log := logging.NewNopLogger()
	sink := audit.NewMemorySink()
	writer := audit.NewWriter(sink, cfg.Audit, log)
	emitter := events.NewMemoryEmitter()

	ctx, cancel := context.WithCancel(context.Background())
	go writer.Run(ctx)
	t.Cleanup(func() {
		cancel()
		emitter.Close()
	})

	mgr := NewManager(cfg, validator, access.NewController(cfg),
		executor.New(cfg.Execution, root, log), emitter, writer, log)

	return &harness{mgr: mgr, emitter: emitter, sink: sink}
}

func (h *harness) waitForState(t *testing.T, identity, taskID string, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.mgr.Status(identity, taskID)
		require.NoError(t, err)
		if snap.State == want {
			return snap
		}
		if snap.State.Terminal() {
			t.Fatalf("task reached %s, want %s (reason %q)", snap.State, want, snap.Reason)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task never reached %s", want)
	return Snapshot{}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var seen []events.Event
	sub, err := h.emitter.Subscribe(context.Background(), events.SubscribeAll, func(ev events.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snap, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hello"}, Identity: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, StateQueued, snap.State)
	require.NotEmpty(t, snap.ID)

	final := h.waitForState(t, "alice", snap.ID, StateCompleted)
	require.Equal(t, 0, final.ExitCode)
	require.Contains(t, final.Stdout, "hello")
	require.Equal(t, 1.0, final.Progress)

	// Exactly one terminal event, and it arrives after started.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range seen {
			if ev.Terminal() {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	terminals := 0
	sawStarted := false
	sawOutputChunk := false
	for _, ev := range seen {
		switch {
		case ev.Type == events.TypeStarted:
			require.Zero(t, terminals, "started after terminal event")
			sawStarted = true
		case ev.Terminal():
			terminals++
			require.Equal(t, events.TypeCompleted, ev.Type)
			require.Contains(t, ev.Output, "hello")
			require.NotNil(t, ev.ExitCode)
			require.Equal(t, 0, *ev.ExitCode)
			require.Greater(t, ev.Duration, time.Duration(0))
		case ev.Type == events.TypeProgress:
			require.Zero(t, terminals, "progress after terminal event")
			if ev.Output != "" {
				sawOutputChunk = true
				require.Contains(t, ev.Output, "hello")
			}
		}
	}
	require.True(t, sawStarted)
	require.True(t, sawOutputChunk, "captured output never surfaced as a progress event")
	require.Equal(t, 1, terminals)
}

func TestSubmitUnknownToolCreatesNoTask(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "netcat", Args: []string{"192.168.1.1"}, Identity: "alice",
	})
	require.True(t, errors.IsCode(err, errors.ErrCodeCommandNotAllowed))

	stats := h.mgr.Stats()
	require.Zero(t, stats.Admitted)
	require.Equal(t, uint64(1), stats.Rejected)
	require.Zero(t, stats.Retained)

	require.Eventually(t, func() bool { return h.sink.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	records, err := h.sink.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, audit.EventRejected, records[0].EventType)
}

func TestSubmitSecurityViolation(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var alerts []events.Event
	sub, err := h.emitter.Subscribe(context.Background(), events.SubscribeAll, func(ev events.Event) {
		if ev.Type == events.TypeSecurityAlert {
			mu.Lock()
			alerts = append(alerts, ev)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hello", "; rm -rf /"}, Identity: "alice",
	})
	require.True(t, errors.IsCode(err, errors.ErrCodeSecurityViolation))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	alert := alerts[0]
	mu.Unlock()
	require.NotEmpty(t, alert.CorrelationID)
	require.Equal(t, "alice", alert.Identity)

	require.Eventually(t, func() bool { return h.sink.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	records, err := h.sink.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, audit.EventSecurityAlert, records[0].EventType)
	require.Equal(t, alert.CorrelationID, records[0].ID)

	require.Equal(t, uint64(1), h.mgr.Stats().SecurityAlerts)
}

func TestSubmitUnknownIdentity(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hi"}, Identity: "mallory",
	})
	require.True(t, errors.IsCode(err, errors.ErrCodePermissionDenied))
	require.Zero(t, h.mgr.Stats().Admitted)
}

func TestGlobalConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Execution.GlobalConcurrent = 1
	})

	first, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "sleep", Args: []string{"30"}, Identity: "alice",
	})
	require.NoError(t, err)

	_, err = h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hi"}, Identity: "bob",
	})
	require.True(t, errors.IsCode(err, errors.ErrCodeSystemOverload))

	// Slot frees after cancellation, next submit succeeds.
	_, err = h.mgr.Cancel("alice", first.ID, false)
	require.NoError(t, err)
	h.waitForState(t, "alice", first.ID, StateCancelled)

	second, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hi"}, Identity: "bob",
	})
	require.NoError(t, err)
	h.waitForState(t, "bob", second.ID, StateCompleted)
}

func TestPerIdentityCeiling(t *testing.T) {
	h := newHarness(t, nil)

	first, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "sleep", Args: []string{"30"}, Identity: "slim",
	})
	require.NoError(t, err)
	defer h.mgr.Cancel("slim", first.ID, false)

	_, err = h.mgr.Submit(context.Background(), validate.Request{
		Tool: "sleep", Args: []string{"30"}, Identity: "slim",
	})
	require.True(t, errors.IsCode(err, errors.ErrCodeSystemOverload))

	// Another identity is unaffected by slim's ceiling.
	other, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hi"}, Identity: "alice",
	})
	require.NoError(t, err)
	h.waitForState(t, "alice", other.ID, StateCompleted)
}

func TestTimeoutProducesTimedOut(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var failedCodes []string
	sub, err := h.emitter.Subscribe(context.Background(), events.SubscribeAll, func(ev events.Event) {
		if ev.Type == events.TypeFailed {
			mu.Lock()
			failedCodes = append(failedCodes, ev.Code)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snap, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "sleep", Args: []string{"30"}, Identity: "alice",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	final := h.waitForState(t, "alice", snap.ID, StateTimedOut)
	require.Equal(t, string(errors.ErrCodeCommandTimeout), final.Code)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failedCodes) == 1 && failedCodes[0] == string(errors.ErrCodeCommandTimeout)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	snap, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "sleep", Args: []string{"30"}, Identity: "alice",
	})
	require.NoError(t, err)

	_, err = h.mgr.Cancel("alice", snap.ID, false)
	require.NoError(t, err)
	final := h.waitForState(t, "alice", snap.ID, StateCancelled)

	// Cancelling again and polling status leave the snapshot unchanged.
	again, err := h.mgr.Cancel("alice", snap.ID, false)
	require.NoError(t, err)
	require.Equal(t, final, again)

	status, err := h.mgr.Status("alice", snap.ID)
	require.NoError(t, err)
	require.Equal(t, final, status)
}

func TestStatusUnknownTask(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.mgr.Status("alice", "01J0000000000000000000000")
	require.True(t, errors.IsCode(err, errors.ErrCodeTaskNotFound))

	_, err = h.mgr.Cancel("alice", "01J0000000000000000000000", false)
	require.True(t, errors.IsCode(err, errors.ErrCodeTaskNotFound))
}

func TestSubmitRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		role := cfg.Roles["operator"]
		role.SubmitRate = 0.5
		role.SubmitBurst = 1
		cfg.Roles["operator"] = role
	})

	first, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hi"}, Identity: "alice",
	})
	require.NoError(t, err)
	h.waitForState(t, "alice", first.ID, StateCompleted)

	_, err = h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hi"}, Identity: "alice",
	})
	require.True(t, errors.IsCode(err, errors.ErrCodeSystemOverload))
}

func TestSweepEvictsAfterRetention(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Execution.Retention = time.Hour
	})

	snap, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hi"}, Identity: "alice",
	})
	require.NoError(t, err)
	h.waitForState(t, "alice", snap.ID, StateCompleted)

	// Wait for the audit records to drain so eviction is allowed.
	require.Eventually(t, func() bool { return h.sink.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	// Before retention elapses the task survives a sweep.
	h.mgr.sweep(time.Now())
	_, err = h.mgr.Status("alice", snap.ID)
	require.NoError(t, err)

	h.mgr.sweep(time.Now().Add(2 * time.Hour))
	_, err = h.mgr.Status("alice", snap.ID)
	require.True(t, errors.IsCode(err, errors.ErrCodeTaskNotFound))
}

func TestViewPermissionOnStatus(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Roles["blind"] = config.Role{MaxConcurrent: 1}
		cfg.Identities["peon"] = "blind"
	})

	snap, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hi"}, Identity: "alice",
	})
	require.NoError(t, err)
	h.waitForState(t, "alice", snap.ID, StateCompleted)

	_, err = h.mgr.Status("peon", snap.ID)
	require.True(t, errors.IsCode(err, errors.ErrCodePermissionDenied))

	list, err := h.mgr.List("peon")
	require.NoError(t, err)
	require.Empty(t, list)

	list, err = h.mgr.List("alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDeleteEvictsTerminalTask(t *testing.T) {
	h := newHarness(t, nil)

	snap, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "echo", Args: []string{"hi"}, Identity: "alice",
	})
	require.NoError(t, err)

	h.waitForState(t, "alice", snap.ID, StateCompleted)
	require.Eventually(t, func() bool { return h.sink.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.mgr.Delete("alice", snap.ID))
	_, err = h.mgr.Status("alice", snap.ID)
	require.True(t, errors.IsCode(err, errors.ErrCodeTaskNotFound))

	err = h.mgr.Delete("alice", snap.ID)
	require.True(t, errors.IsCode(err, errors.ErrCodeTaskNotFound))
}

func TestWorkDirOverride(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Tools = append(cfg.Tools, config.ToolSpec{Name: "pwd", Path: "/bin/pwd"})
	})

	sub := h.mgr.cfg.Security.SandboxRoot + "/scans"
	require.NoError(t, os.MkdirAll(sub, 0o755))

	snap, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "pwd", Identity: "alice", WorkDir: sub,
	})
	require.NoError(t, err)

	final := h.waitForState(t, "alice", snap.ID, StateCompleted)
	require.Contains(t, final.Stdout, "/scans")
}

func TestForceCancelBypassesGrace(t *testing.T) {
	script := filepath.Join(t.TempDir(), "stubborn.sh")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\ntrap '' TERM\nwhile :; do sleep 0.1; done\n"), 0o755))

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Execution.GracePeriod = 30 * time.Second
		cfg.Tools = append(cfg.Tools, config.ToolSpec{Name: "stubborn", Path: script})
	})

	snap, err := h.mgr.Submit(context.Background(), validate.Request{
		Tool: "stubborn", Identity: "alice",
	})
	require.NoError(t, err)
	h.waitForState(t, "alice", snap.ID, StateRunning)

	// The tool ignores SIGTERM; without force the grace period would
	// hold the task for 30s.
	_, err = h.mgr.Cancel("alice", snap.ID, true)
	require.NoError(t, err)

	start := time.Now()
	final := h.waitForState(t, "alice", snap.ID, StateCancelled)
	require.Equal(t, StateCancelled, final.State)
	require.Less(t, time.Since(start), 10*time.Second)
}
