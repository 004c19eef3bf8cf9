// Package bus carries typed events between components over Redis pub/sub.
// Delivery is at-least-once within a process; handlers must be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Handler consumes one raw event payload. Handlers must not block for long;
// slow work belongs in the component's own loop.
type Handler func(ctx context.Context, payload []byte)

// Bus publishes JSON payloads on named topics and fans them out to
// subscribers.
type Bus interface {
	Publish(ctx context.Context, topic string, v any) error
	Subscribe(topic string, h Handler)
	Close() error
}

// RedisBus implements Bus on Redis pub/sub. Each subscribed topic runs one
// receive goroutine; local subscribers also receive the process's own
// publishes through Redis, which keeps single- and multi-process deployments
// identical.
type RedisBus struct {
	client *redis.Client

	mu       sync.Mutex
	handlers map[string][]Handler
	pubsubs  map[string]*redis.PubSub
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:   client,
		handlers: make(map[string][]Handler),
		pubsubs:  make(map[string]*redis.PubSub),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Publish marshals v and publishes it on topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", topic, err)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic, starting the topic's receive loop on
// first use.
func (b *RedisBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = append(b.handlers[topic], h)
	if _, ok := b.pubsubs[topic]; ok {
		return
	}

	ps := b.client.Subscribe(b.ctx, topic)
	b.pubsubs[topic] = ps
	b.wg.Add(1)
	go b.receive(topic, ps)
}

func (b *RedisBus) receive(topic string, ps *redis.PubSub) {
	defer b.wg.Done()
	ch := ps.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(topic, []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) dispatch(topic string, payload []byte) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("topic", topic).Interface("panic", r).
						Msg("event handler panicked")
				}
			}()
			h(b.ctx, payload)
		}()
	}
}

// Close stops all receive loops and closes the subscriptions.
func (b *RedisBus) Close() error {
	b.cancel()
	b.mu.Lock()
	for _, ps := range b.pubsubs {
		_ = ps.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// MemoryBus is an in-process Bus for tests. Dispatch is synchronous so tests
// can assert immediately after Publish.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	// Published keeps every payload per topic for assertions.
	Published map[string][][]byte
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers:  make(map[string][]Handler),
		Published: make(map[string][][]byte),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", topic, err)
	}
	b.mu.Lock()
	b.Published[topic] = append(b.Published[topic], payload)
	handlers := make([]Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

func (b *MemoryBus) Close() error { return nil }
