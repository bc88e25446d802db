// Package bus provides the in-process publish/subscribe backbone keyed by
// session id. Delivery order matches publish order for a given session, which
// every other component relies on.
package bus

import (
	"sync"

	"github.com/loomhq/loom/pkg/models"
)

// Handler receives one event. Handlers run synchronously on the publisher's
// goroutine; keep them fast and hand off to channels for slow consumers.
type Handler func(models.Event)

type subscriber struct {
	id int
	fn Handler
}

type sessionTopic struct {
	// dispatch serializes delivery so per-session publish order is
	// observed by every subscriber.
	dispatch sync.Mutex
	subs     []subscriber
}

// Bus is a per-session event fan-out. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*sessionTopic
	nextID int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*sessionTopic)}
}

// Subscribe registers a handler for one session's events and returns a
// function that removes it. Safe for concurrent use.
func (b *Bus) Subscribe(sessionID string, fn Handler) func() {
	b.mu.Lock()
	topic, ok := b.topics[sessionID]
	if !ok {
		topic = &sessionTopic{}
		b.topics[sessionID] = topic
	}
	b.nextID++
	id := b.nextID
	topic.subs = append(topic.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		topic, ok := b.topics[sessionID]
		if !ok {
			return
		}
		for i, s := range topic.subs {
			if s.id == id {
				topic.subs = append(topic.subs[:i], topic.subs[i+1:]...)
				break
			}
		}
		if len(topic.subs) == 0 {
			delete(b.topics, sessionID)
		}
	}
}

// Publish delivers the event to all subscribers of its session. Publishes
// for different sessions do not block each other.
func (b *Bus) Publish(evt models.Event) {
	b.mu.RLock()
	topic, ok := b.topics[evt.SessionID]
	if !ok {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	topic.dispatch.Lock()
	defer topic.dispatch.Unlock()

	b.mu.RLock()
	subs := make([]subscriber, len(topic.subs))
	copy(subs, topic.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(evt)
	}
}
