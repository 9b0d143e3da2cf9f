package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryEmitter is the in-process Emitter. Events are fanned out to
// per-subscriber buffered channels; each subscription drains its channel
// from a single goroutine, so delivery order per subscriber matches
// emission order.
type MemoryEmitter struct {
	mu         sync.RWMutex
	subs       map[string][]*memorySubscription
	closed     atomic.Bool
	subCounter atomic.Uint64
}

// NewMemoryEmitter creates an in-memory event emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{
		subs: make(map[string][]*memorySubscription),
	}
}

func (m *MemoryEmitter) Emit(ctx context.Context, ev Event) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for filter, subs := range m.subs {
		if filter != SubscribeAll && filter != ev.TaskID {
			continue
		}
		for _, sub := range subs {
			if sub.closed.Load() {
				continue
			}
			deliver(sub.events, ev)
		}
	}

	return nil
}

func (m *MemoryEmitter) Subscribe(ctx context.Context, taskID string, handler Handler) (Subscription, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		id:      fmt.Sprintf("sub-%d", m.subCounter.Add(1)),
		taskID:  taskID,
		events:  make(chan Event, 256),
		handler: handler,
		emitter: m,
	}

	m.mu.Lock()
	m.subs[taskID] = append(m.subs[taskID], sub)
	m.mu.Unlock()

	go sub.run(ctx)

	return sub, nil
}

func (m *MemoryEmitter) Close() error {
	if m.closed.Swap(true) {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, subs := range m.subs {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				close(sub.events)
			}
		}
	}

	return nil
}

// deliver queues ev without stalling the emitter. A subscriber that
// cannot keep up loses intermediate events, but a terminal event
// displaces the oldest buffered event so the stream always ends.
func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	if !ev.Terminal() {
		return
	}
	for {
		select {
		case ch <- ev:
			return
		case <-ch:
		}
	}
}

type memorySubscription struct {
	id      string
	taskID  string
	events  chan Event
	handler Handler
	emitter *MemoryEmitter
	closed  atomic.Bool
}

func (s *memorySubscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.emitter.mu.Lock()
	defer s.emitter.mu.Unlock()

	subs := s.emitter.subs[s.taskID]
	for i, sub := range subs {
		if sub.id == s.id {
			s.emitter.subs[s.taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	return nil
}

func (s *memorySubscription) TaskID() string {
	return s.taskID
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.handler(ev)
		case <-ctx.Done():
			return
		}
	}
}
