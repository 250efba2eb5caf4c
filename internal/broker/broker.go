// Package broker fans tracker events out to any number of subscribers
// without ever blocking the publisher.
package broker

import (
	"log/slog"
	"sync"

	"github.com/tinoosan/workshopsync/internal/metrics"
	"github.com/tinoosan/workshopsync/internal/tracker"
)

const DefaultBuffer = 64

// Broker implements tracker.Publisher. A subscriber that falls behind loses
// events; it is expected to resync from a snapshot.
type Broker struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[chan tracker.Event]struct{}
}

var _ tracker.Publisher = (*Broker)(nil)

func New(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{log: log, subs: make(map[chan tracker.Event]struct{})}
}

// Subscribe registers a subscriber with room for buffer pending events.
// The returned cancel func must be called to release the subscription; it
// closes the channel and is safe to call more than once.
func (b *Broker) Subscribe(buffer int) (<-chan tracker.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan tracker.Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	b.log.Debug("event subscriber added", "subscribers", n)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers e to every subscriber that has buffer space left.
func (b *Broker) Publish(e tracker.Event) {
	// the read lock also keeps cancel from closing a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			metrics.BrokerDropped.Inc()
			b.log.Debug("dropping event for slow subscriber", "type", e.Type, "batch_id", e.BatchID)
		}
	}
}
