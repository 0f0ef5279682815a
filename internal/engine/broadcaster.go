package engine

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/motionamp/internal/monitoring"
)

var broadcastLogf = monitoring.Component("Broadcast")

// DefaultSubscriberBuffer is the per-subscriber queue depth.
const DefaultSubscriberBuffer = 64

// Broadcaster fans run events out to any number of observers. A slow
// subscriber loses events rather than stalling the run.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*subscriber

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscriber struct {
	id string
	ch chan Event
}

// BroadcasterStats reports delivery counters.
type BroadcasterStats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*subscriber)}
}

// Subscribe registers an observer. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &subscriber{id: uuid.NewString(), ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.clients[s.id] = s
	n := len(b.clients)
	b.mu.Unlock()
	broadcastLogf("subscriber %s connected (total: %d)", s.id, n)

	return s.ch, func() { b.remove(s.id) }
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	s, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
		close(s.ch)
	}
	n := len(b.clients)
	b.mu.Unlock()
	if ok {
		broadcastLogf("subscriber %s disconnected (remaining: %d)", id, n)
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.clients {
		select {
		case s.ch <- ev:
		default:
			d := b.dropped.Add(1)
			if ev.Terminal() {
				broadcastLogf("dropped terminal %s event for %s (total dropped: %d)", ev.Type, s.id, d)
			}
		}
	}
}

// Stats returns current counters.
func (b *Broadcaster) Stats() BroadcasterStats {
	b.mu.RLock()
	n := len(b.clients)
	b.mu.RUnlock()
	return BroadcasterStats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}
