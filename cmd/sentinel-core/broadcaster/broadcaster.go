// Package broadcaster fans a single stream of stored events out to every
// connected /api/stream subscriber (spec §4.5), independent of NATS: it
// exists specifically for the low-latency, no-external-dependency live
// view the SSE endpoint serves.
package broadcaster

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/trapline/sentinelcore/pkg/models"
)

const subscriberBuffer = 32

// Broadcaster holds the set of active subscriber channels. A slow
// subscriber whose queue is full misses the new message, which is dropped
// for that subscriber rather than stalling the publisher (spec §9 "bounded, drop-on-overflow
// delivery").
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

func New() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan []byte]struct{})}
}

// Subscribe registers a new channel and returns it along with an
// unsubscribe function the caller must invoke when the connection closes.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish encodes event as JSON and fans it out to every subscriber.
// Encoding failures are logged and dropped; a full subscriber channel is
// skipped for that message rather than blocking the publisher.
func (b *Broadcaster) Publish(event *models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Broadcaster] failed to encode event %d: %v", event.ID, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			log.Printf("[Broadcaster] subscriber queue full, dropping event %d", event.ID)
		}
	}
}

// SubscriberCount reports the number of currently connected streams, used
// by the /health endpoint.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
