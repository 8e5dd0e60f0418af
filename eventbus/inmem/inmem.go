// Package inmem provides an in-process eventbus.Bus for tests and the
// in-process workflow engine adapter. Subscribers each get a bounded,
// buffered channel; when a subscriber falls behind, the oldest queued
// message is dropped to admit the new one rather than blocking Publish.
package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/orchestrator/eventbus"
)

// Bus implements eventbus.Bus in a single process.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscription
	nextID      int64

	waitersMu sync.Mutex
	waiters   map[string]chan eventbus.Message
}

// New returns a new in-process bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]map[int64]*subscription),
		waiters:     make(map[string]chan eventbus.Message),
	}
}

type subscription struct {
	bus   *Bus
	topic string
	id    int64
	ch    chan eventbus.Message
	mu    sync.Mutex
	once  sync.Once
}

func (s *subscription) Receive() <-chan eventbus.Message { return s.ch }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers[s.topic], s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe implements eventbus.Bus.
func (b *Bus) Subscribe(_ context.Context, topic string, queueDepth int) (eventbus.Subscription, error) {
	if queueDepth <= 0 {
		queueDepth = eventbus.DefaultQueueDepth
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{bus: b, topic: topic, id: b.nextID, ch: make(chan eventbus.Message, queueDepth)}
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[int64]*subscription)
	}
	b.subscribers[topic][sub.id] = sub
	return sub, nil
}

// Publish implements eventbus.Bus.
func (b *Bus) Publish(_ context.Context, topic string, payload json.RawMessage) error {
	msg := eventbus.Message{Topic: topic, Payload: payload, Timestamp: time.Now()}
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscribers[topic]))
	for _, s := range b.subscribers[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		deliver(s.ch, msg)
	}
	return nil
}

// deliver sends msg on ch, dropping the oldest queued message to make room
// if ch is full, so a slow subscriber never blocks the publisher.
func deliver(ch chan eventbus.Message, msg eventbus.Message) {
	select {
	case ch <- msg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
}

// Request implements eventbus.Bus.
func (b *Bus) Request(ctx context.Context, topic string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	correlationID := uuid.New().String()
	reply := make(chan eventbus.Message, 1)

	b.waitersMu.Lock()
	b.waiters[correlationID] = reply
	b.waitersMu.Unlock()
	defer func() {
		b.waitersMu.Lock()
		delete(b.waiters, correlationID)
		b.waitersMu.Unlock()
	}()

	msg := eventbus.Message{Topic: topic, Payload: payload, Timestamp: time.Now(), CorrelationID: correlationID}
	env, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := b.Publish(ctx, topic, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-reply:
		return m.Payload, nil
	case <-timer.C:
		return nil, eventbus.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond implements eventbus.Bus.
func (b *Bus) Respond(_ context.Context, correlationID string, payload json.RawMessage) error {
	b.waitersMu.Lock()
	reply, ok := b.waiters[correlationID]
	b.waitersMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case reply <- eventbus.Message{Payload: payload, Timestamp: time.Now(), CorrelationID: correlationID}:
	default:
	}
	return nil
}
