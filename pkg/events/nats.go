package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject layout: task events go to warden.events.task.<id>, security
// alerts raised before a task exists go to warden.events.security. The
// wildcard subscription covers both.
const (
	subjectPrefix   = "warden.events"
	subjectSecurity = subjectPrefix + ".security"
	subjectWildcard = subjectPrefix + ".>"
)

// NATSEmitter publishes events to a NATS server so observers in other
// processes can follow task streams. Core NATS only; event streams are
// ephemeral and do not need replay.
type NATSEmitter struct {
	conn   *nats.Conn
	owned  bool
	closed atomic.Bool
}

// NewNATSEmitter connects to a NATS server and returns an emitter.
func NewNATSEmitter(url, name string) (*NATSEmitter, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSEmitter{conn: conn, owned: true}, nil
}

// NewNATSEmitterFromConn wraps an existing connection. The caller keeps
// ownership of the connection; Close does not close it.
func NewNATSEmitterFromConn(conn *nats.Conn) *NATSEmitter {
	return &NATSEmitter{conn: conn}
}

func subjectFor(ev Event) string {
	if ev.TaskID == "" {
		return subjectSecurity
	}
	return subjectPrefix + ".task." + ev.TaskID
}

func (n *NATSEmitter) Emit(ctx context.Context, ev Event) error {
	if n.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	return n.conn.Publish(subjectFor(ev), data)
}

func (n *NATSEmitter) Subscribe(ctx context.Context, taskID string, handler Handler) (Subscription, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}

	subject := subjectPrefix + ".task." + taskID
	if taskID == SubscribeAll {
		subject = subjectWildcard
	}

	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, err
	}

	return &natsSubscription{sub: sub, taskID: taskID}, nil
}

func (n *NATSEmitter) Close() error {
	if n.closed.Swap(true) {
		return ErrClosed
	}
	if n.owned {
		n.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	sub    *nats.Subscription
	taskID string
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) TaskID() string {
	return s.taskID
}
