// Package bus is the in-process publish/subscribe transport between the
// indexer and the streaming endpoints.
//
// Topics are strings: trades.<marketId> carries trade and indexed
// notifications, comments.<marketId> carries discussion events. Delivery
// is at-most-once per subscriber: each subscription owns a buffered
// channel and a publish that finds it full drops the message rather than
// blocking the indexer. Nothing is durable; consumers that fall behind
// resync through the read API.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

const subscriberBufferSize = 64

// Message is one published payload, pre-encoded as JSON.
type Message struct {
	Topic string
	Data  []byte
}

// Subscription is one consumer's view of a set of topics. Read from C;
// call Close exactly once when done.
type Subscription struct {
	C      <-chan Message
	ch     chan Message
	topics []string
	bus    *Bus
	once   sync.Once
}

// Close detaches the subscription from every topic and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Bus fans published messages out to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	logger *slog.Logger

	dropped atomic.Uint64 // messages lost to full subscriber buffers
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		topics: make(map[string]map[*Subscription]struct{}),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a consumer on the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	ch := make(chan Message, subscriberBufferSize)
	sub := &Subscription{C: ch, ch: ch, topics: topics, bus: b}

	b.mu.Lock()
	for _, topic := range topics {
		set, ok := b.topics[topic]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.topics[topic] = set
		}
		set[sub] = struct{}{}
	}
	b.mu.Unlock()
	return sub
}

// Publish JSON-encodes payload once and delivers it to every subscriber
// of the topic. Slow subscribers are skipped, never waited on.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := Message{Topic: topic, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber channel full, dropping message", "topic", topic)
		}
	}
	return nil
}

// Dropped reports how many messages were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers reports how many subscriptions a topic currently has.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		set := b.topics[topic]
		delete(set, sub)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}
