// Package bus is the in-process pub/sub used to fan task lifecycle events out
// to live consumers (the WebSocket feed, tests). It is process-local and
// never authoritative; the store and audit log are.
package bus

import (
	"strings"
	"sync"
)

// subscriberBuffer is how many undelivered events one feed may hold before
// further events for it are dropped.
const subscriberBuffer = 100

// Event is one published lifecycle notice. Payload is one of the event
// structs in topics.go.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives the events whose topic starts with its prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) wants(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus routes task, runner and alert events to subscribers. The zero value is
// not usable; a nil *Bus accepts and drops publishes so components can run
// without one.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	seq  int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a feed for topics under topicPrefix ("task." for every
// task transition, "" for everything). A feed that falls subscriberBuffer
// events behind loses the overflow; the queue itself is unaffected.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub := &Subscription{id: b.seq, prefix: topicPrefix, ch: make(chan Event, subscriberBuffer)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe is safe to call twice and with nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish never blocks the store or runner that calls it.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports open feeds.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
