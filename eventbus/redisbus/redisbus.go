// Package redisbus implements eventbus.Bus across nodes using Pulse streams
// (goa.design/pulse/streaming), one stream per topic, with consumer-group
// sinks giving each Subscribe call its own delivery cursor. Request/response
// correlation mirrors the teacher repo's ResultStreamManager: a dedicated
// reply stream per outstanding Request, addressed by a correlation ID.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/taskorch/orchestrator/eventbus"
)

// Bus implements eventbus.Bus backed by Pulse streams over rdb.
type Bus struct {
	rdb *redis.Client

	mu      sync.Mutex
	streams map[string]*streaming.Stream
}

// New returns a Bus backed by rdb.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb, streams: make(map[string]*streaming.Stream)}
}

func (b *Bus) streamFor(name string) (*streaming.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	s, err := streaming.NewStream(name, b.rdb)
	if err != nil {
		return nil, fmt.Errorf("redisbus: open stream %s: %w", name, err)
	}
	b.streams[name] = s
	return s, nil
}

func topicStreamName(topic string) string { return "taskorch:topic:" + topic }

const eventName = "message"

// Publish implements eventbus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, payload json.RawMessage) error {
	s, err := b.streamFor(topicStreamName(topic))
	if err != nil {
		return err
	}
	msg := eventbus.Message{Topic: topic, Payload: payload, Timestamp: time.Now()}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.Add(ctx, eventName, body)
	return err
}

type subscription struct {
	sink *streaming.Sink
	ch   chan eventbus.Message
	done chan struct{}
}

func (s *subscription) Receive() <-chan eventbus.Message { return s.ch }

func (s *subscription) Unsubscribe() {
	close(s.done)
}

// Subscribe implements eventbus.Bus. Each call opens a distinct consumer
// group so every subscriber sees every message, matching the teacher's
// per-gateway sink pattern.
func (b *Bus) Subscribe(ctx context.Context, topic string, queueDepth int) (eventbus.Subscription, error) {
	if queueDepth <= 0 {
		queueDepth = eventbus.DefaultQueueDepth
	}
	s, err := b.streamFor(topicStreamName(topic))
	if err != nil {
		return nil, err
	}
	sinkName := "sub-" + uuid.New().String()
	sink, err := s.NewSink(ctx, sinkName)
	if err != nil {
		return nil, fmt.Errorf("redisbus: create sink for %s: %w", topic, err)
	}

	sub := &subscription{sink: sink, ch: make(chan eventbus.Message, queueDepth), done: make(chan struct{})}
	go sub.pump(ctx)
	return sub, nil
}

func (s *subscription) pump(ctx context.Context) {
	defer s.sink.Close(context.Background())
	events := s.sink.Subscribe()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var msg eventbus.Message
			if err := json.Unmarshal(ev.Payload, &msg); err != nil {
				_ = s.sink.Ack(ctx, ev)
				continue
			}
			_ = s.sink.Ack(ctx, ev)
			select {
			case s.ch <- msg:
			default:
				// Drop the oldest queued message to admit this one rather than
				// blocking stream consumption for every other subscriber.
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- msg:
				default:
				}
			}
		}
	}
}

func replyStreamName(correlationID string) string {
	return "taskorch:reply:" + correlationID
}

// Request implements eventbus.Bus.
func (b *Bus) Request(ctx context.Context, topic string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	correlationID := uuid.New().String()

	replyStream, err := b.streamFor(replyStreamName(correlationID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = replyStream.Destroy(context.Background()) }()

	sink, err := replyStream.NewSink(ctx, "waiter")
	if err != nil {
		return nil, fmt.Errorf("redisbus: create reply sink: %w", err)
	}
	defer sink.Close(context.Background())

	msg := eventbus.Message{Topic: topic, Payload: payload, Timestamp: time.Now(), CorrelationID: correlationID}
	topicStream, err := b.streamFor(topicStreamName(topic))
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if _, err := topicStream.Add(ctx, eventName, body); err != nil {
		return nil, fmt.Errorf("redisbus: publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events := sink.Subscribe()
	for {
		select {
		case <-timeoutCtx.Done():
			if timeoutCtx.Err() == context.DeadlineExceeded {
				return nil, eventbus.ErrTimeout
			}
			return nil, timeoutCtx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("redisbus: reply stream closed unexpectedly")
			}
			var reply eventbus.Message
			if err := json.Unmarshal(ev.Payload, &reply); err != nil {
				_ = sink.Ack(ctx, ev)
				continue
			}
			_ = sink.Ack(ctx, ev)
			return reply.Payload, nil
		}
	}
}

// Respond implements eventbus.Bus.
func (b *Bus) Respond(ctx context.Context, correlationID string, payload json.RawMessage) error {
	s, err := b.streamFor(replyStreamName(correlationID))
	if err != nil {
		return err
	}
	msg := eventbus.Message{Payload: payload, Timestamp: time.Now(), CorrelationID: correlationID}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.Add(ctx, eventName, body)
	return err
}
