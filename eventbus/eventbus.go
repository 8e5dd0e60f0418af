// Package eventbus implements the Event Bus: in-process and cross-node
// publish/subscribe over topics with bounded per-subscriber queues, plus a
// correlation-ID request/response helper built on top of it for callers that
// need a single reply rather than a stream of published events.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Message is a single published or delivered event-bus payload.
	Message struct {
		Topic     string          `json:"topic"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp time.Time       `json:"timestamp"`
		// CorrelationID, when set, routes a Message to the Request call
		// awaiting a reply on it rather than through normal topic delivery.
		CorrelationID string `json:"correlation_id,omitempty"`
	}

	// Subscription is a live subscription returned by Subscribe. Receive
	// yields delivered messages; Unsubscribe stops delivery and releases the
	// subscriber's queue.
	Subscription interface {
		Receive() <-chan Message
		Unsubscribe()
	}

	// Bus is the Event Bus's publish/subscribe and request/response surface.
	Bus interface {
		// Publish delivers payload to every current subscriber of topic. A slow
		// subscriber whose queue is full has its oldest message dropped to make
		// room rather than blocking the publisher.
		Publish(ctx context.Context, topic string, payload json.RawMessage) error

		// Subscribe returns a Subscription delivering every message published to
		// topic after this call, with a queue of the given depth.
		Subscribe(ctx context.Context, topic string, queueDepth int) (Subscription, error)

		// Request publishes payload to topic carrying a fresh correlation ID and
		// blocks until a reply addressed to that ID arrives via Respond, or
		// timeout elapses (ErrTimeout).
		Request(ctx context.Context, topic string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)

		// Respond delivers payload as the reply to the Request awaiting
		// correlationID. It is a no-op (no error) if nothing is waiting.
		Respond(ctx context.Context, correlationID string, payload json.RawMessage) error
	}
)

// ErrTimeout is returned by Request when no Respond call arrives before the
// requested timeout elapses.
var ErrTimeout = errors.New("eventbus: request timed out")

// DefaultQueueDepth is the per-subscriber queue depth used when callers don't
// specify one.
const DefaultQueueDepth = 64
