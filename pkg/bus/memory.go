package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// MemoryBus is the in-process implementation of MessageBus. It holds no
// state for topics without listeners.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        atomic.Bool
	subCounter    atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Topic: topic,
		Data:  data,
	}

	// Snapshot matching subscriptions, then deliver outside the lock so
	// subscribe/unsubscribe never races the iteration.
	b.mu.RLock()
	var targets []*memorySubscription
	for pattern, subs := range b.subscriptions {
		if matchTopic(pattern, topic) {
			targets = append(targets, subs...)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.closed.Load() {
			continue
		}
		// Non-blocking send to avoid deadlocks; a slow listener drops
		// rather than stalling delivery to the others.
		select {
		case sub.messages <- msg:
		default:
		}
	}

	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		id:       fmt.Sprintf("sub-%d-%s", b.subCounter.Add(1), ulid.Make().String()),
		topic:    topic,
		messages: make(chan *Message, 256),
		handler:  handler,
		bus:      b,
	}

	b.mu.Lock()
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)
	b.mu.Unlock()

	go sub.run(ctx)

	return sub, nil
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				close(sub.messages)
			}
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	return nil
}

// memorySubscription implements Subscription for MemoryBus.
type memorySubscription struct {
	id       string
	topic    string
	messages chan *Message
	handler  MessageHandler
	bus      *MemoryBus
	closed   atomic.Bool
}

func (s *memorySubscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.topic]
	for i, sub := range subs {
		if sub.id == s.id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		// Empty topics retain no state.
		delete(s.bus.subscriptions, s.topic)
	} else {
		s.bus.subscriptions[s.topic] = subs
	}

	return nil
}

func (s *memorySubscription) Topic() string {
	return s.topic
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case msg, ok := <-s.messages:
			if !ok {
				return
			}
			s.deliver(msg)
		case <-ctx.Done():
			return
		}
	}
}

// deliver invokes the handler, containing panics so one failing listener
// cannot break delivery to the rest.
func (s *memorySubscription) deliver(msg *Message) {
	defer func() {
		_ = recover()
	}()
	s.handler(msg)
}

// matchTopic checks if a topic matches a pattern with wildcards.
// Supports "*" for single token and ">" for one or more trailing tokens.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")

	pi, ti := 0, 0
	for pi < len(patternParts) && ti < len(topicParts) {
		switch patternParts[pi] {
		case "*":
			pi++
			ti++
		case ">":
			return true
		default:
			if patternParts[pi] != topicParts[ti] {
				return false
			}
			pi++
			ti++
		}
	}

	return pi == len(patternParts) && ti == len(topicParts)
}
