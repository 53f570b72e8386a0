// Package events fans session events out to in-process subscribers and,
// optionally, to a Redis stream for external consumers.
package events

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"loopcast/internal/models"
)

// Listener receives session events for one subscription.
type Listener func(models.SessionEvent)

// Broker is the in-process per-session event topic registry. A consumer is
// identified by an opaque key; re-subscribing with the same key replaces the
// previous listener so a consumer never receives duplicate deliveries.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[string]Listener
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[string]Listener)}
}

// Subscribe registers a listener on the session's topic and returns an
// unsubscribe handle. An empty consumer key gets a random identity.
func (b *Broker) Subscribe(sessionID, consumerID string, fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	if consumerID == "" {
		consumerID = randomConsumerID()
	}
	b.mu.Lock()
	topic := b.topics[sessionID]
	if topic == nil {
		topic = make(map[string]Listener)
		b.topics[sessionID] = topic
	}
	topic[consumerID] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			topic, ok := b.topics[sessionID]
			if !ok {
				return
			}
			delete(topic, consumerID)
			if len(topic) == 0 {
				delete(b.topics, sessionID)
			}
		})
	}
}

// Publish delivers the event to every listener on its session topic. Delivery
// is synchronous; listeners must not block.
func (b *Broker) Publish(event models.SessionEvent) {
	b.mu.RLock()
	topic := b.topics[event.SessionID]
	listeners := make([]Listener, 0, len(topic))
	for _, fn := range topic {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}
}

// DropTopic removes every subscription for a session. Called when the session
// reaches a terminal state and its event stream will produce nothing further.
func (b *Broker) DropTopic(sessionID string) {
	b.mu.Lock()
	delete(b.topics, sessionID)
	b.mu.Unlock()
}

// Subscribers reports how many listeners a session topic currently has.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[sessionID])
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "consumer"
	}
	return hex.EncodeToString(buf)
}
