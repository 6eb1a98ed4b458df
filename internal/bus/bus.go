// Package bus is the in-process notification hub. Publishing is
// fire-and-forget: delivery is at most once per subscriber and a full
// subscriber buffer drops the event rather than blocking the publisher.
// Core operations must never fail because a listener is slow.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer bounds how far a consumer may lag before it starts
// losing events.
const subscriberBuffer = 100

// Event is one published message.
type Event struct {
	Topic   string
	Payload interface{}
	Time    time.Time
}

// Subscription is a live feed of events whose topic starts with the
// subscribed prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the receive channel. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscription lost to a full
// buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a prefix listener. An empty prefix matches every
// topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish fans the event out to every matching subscriber without
// blocking. Events a full subscriber cannot take are counted and
// dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload, Time: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
