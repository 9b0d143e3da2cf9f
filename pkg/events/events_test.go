package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func collectEvents(buf *[]Event, mu *sync.Mutex) Handler {
	return func(ev Event) {
		mu.Lock()
		*buf = append(*buf, ev)
		mu.Unlock()
	}
}

func waitForCount(t *testing.T, mu *sync.Mutex, buf *[]Event, want int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(*buf)
		snapshot := append([]Event(nil), *buf...)
		mu.Unlock()
		if n >= want {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", want)
	return nil
}

func TestMemoryEmitterOrderedDelivery(t *testing.T) {
	m := NewMemoryEmitter()
	defer m.Close()

	var mu sync.Mutex
	var got []Event
	sub, err := m.Subscribe(context.Background(), "task-1", collectEvents(&got, &mu))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	sequence := []Type{TypeStarted, TypeProgress, TypeProgress, TypeCompleted}
	for _, typ := range sequence {
		if err := m.Emit(context.Background(), Event{Type: typ, TaskID: "task-1", Timestamp: time.Now()}); err != nil {
			t.Fatalf("Emit(%s): %v", typ, err)
		}
	}

	events := waitForCount(t, &mu, &got, len(sequence))
	for i, typ := range sequence {
		if events[i].Type != typ {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Type, typ)
		}
	}
}

func TestMemoryEmitterFiltersByTask(t *testing.T) {
	m := NewMemoryEmitter()
	defer m.Close()

	var mu sync.Mutex
	var got []Event
	sub, err := m.Subscribe(context.Background(), "task-1", collectEvents(&got, &mu))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	m.Emit(context.Background(), Event{Type: TypeStarted, TaskID: "task-2"})
	m.Emit(context.Background(), Event{Type: TypeStarted, TaskID: "task-1"})

	events := waitForCount(t, &mu, &got, 1)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	final := len(got)
	mu.Unlock()
	if final != 1 {
		t.Fatalf("got %d events, want 1", final)
	}
	if events[0].TaskID != "task-1" {
		t.Errorf("task = %s, want task-1", events[0].TaskID)
	}
}

func TestMemoryEmitterWildcard(t *testing.T) {
	m := NewMemoryEmitter()
	defer m.Close()

	var mu sync.Mutex
	var got []Event
	sub, err := m.Subscribe(context.Background(), SubscribeAll, collectEvents(&got, &mu))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	m.Emit(context.Background(), Event{Type: TypeStarted, TaskID: "task-1"})
	m.Emit(context.Background(), Event{Type: TypeSecurityAlert, Identity: "scanner"})
	m.Emit(context.Background(), Event{Type: TypeCompleted, TaskID: "task-2"})

	waitForCount(t, &mu, &got, 3)
}

func TestMemoryEmitterUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemoryEmitter()
	defer m.Close()

	var mu sync.Mutex
	var got []Event
	sub, err := m.Subscribe(context.Background(), "task-1", collectEvents(&got, &mu))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.Emit(context.Background(), Event{Type: TypeStarted, TaskID: "task-1"})
	waitForCount(t, &mu, &got, 1)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	m.Emit(context.Background(), Event{Type: TypeCompleted, TaskID: "task-1"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("got %d events after unsubscribe, want 1", len(got))
	}
}

func TestMemoryEmitterClosed(t *testing.T) {
	m := NewMemoryEmitter()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := m.Emit(context.Background(), Event{Type: TypeStarted}); err != ErrClosed {
		t.Errorf("Emit after close = %v, want ErrClosed", err)
	}
	if _, err := m.Subscribe(context.Background(), "x", func(Event) {}); err != ErrClosed {
		t.Errorf("Subscribe after close = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != ErrClosed {
		t.Errorf("double Close = %v, want ErrClosed", err)
	}
}

func TestTerminal(t *testing.T) {
	terminal := []Type{TypeCompleted, TypeFailed, TypeCancelled}
	for _, typ := range terminal {
		if !(Event{Type: typ}).Terminal() {
			t.Errorf("%s should be terminal", typ)
		}
	}
	nonTerminal := []Type{TypeStarted, TypeProgress, TypeSecurityAlert}
	for _, typ := range nonTerminal {
		if (Event{Type: typ}).Terminal() {
			t.Errorf("%s should not be terminal", typ)
		}
	}
}

func TestMemoryEmitterTerminalSurvivesFullBuffer(t *testing.T) {
	m := NewMemoryEmitter()
	defer m.Close()

	gate := make(chan struct{})
	var mu sync.Mutex
	var got []Event
	sub, err := m.Subscribe(context.Background(), "t1", func(ev Event) {
		<-gate
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	// Flood past the per-subscriber buffer while the handler is stalled,
	// then end the stream.
	for i := 0; i < 400; i++ {
		if err := m.Emit(context.Background(), Event{Type: TypeProgress, TaskID: "t1"}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := m.Emit(context.Background(), Event{Type: TypeCompleted, TaskID: "t1"}); err != nil {
		t.Fatalf("Emit terminal: %v", err)
	}

	close(gate)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		var last Event
		if n > 0 {
			last = got[n-1]
		}
		mu.Unlock()
		if n > 0 && last.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("terminal event was dropped under buffer pressure")
}
