// Package bus provides topic-scoped publish/subscribe used to fan out
// live run status to streaming endpoints. The default implementation is
// in-memory; a NATS-backed option exists for deployments that mirror
// events to external consumers.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// MessageBus is the core fan-out interface.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all current subscribers of the topic.
	// Listeners that subscribe later do not receive it.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers a handler for messages on the given topic.
	// The handler is called in a separate goroutine for each message.
	// Supports wildcards: "project.*.runs" matches "project.abc.runs".
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages. A panicking handler is
// isolated: it neither affects other listeners nor unsubscribes itself.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Topic string
	Data  []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Topic returns the topic pattern this subscription is for.
	Topic() string
}
