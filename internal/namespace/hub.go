package namespace

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the channel depth given to each subscriber.
const DefaultSubscriberBuffer = 64

// Hub is a Namespace that fans events out to subscribers. It caches the last
// event of every kind so that a client connecting mid-run immediately
// receives the current state instead of waiting for the next change.
//
// Emit never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	cache       map[Kind]Event
	closing     bool
	buffer      int
	now         func() time.Time
	dropped     uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]chan Event),
		cache:       make(map[Kind]Event),
		buffer:      DefaultSubscriberBuffer,
		now:         time.Now,
	}
}

// Emit caches the event and forwards it to every subscriber.
func (h *Hub) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return
	}
	h.cache[e.Kind] = e
	for _, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			// slow subscriber, skip rather than stall the control tick
			h.dropped++
		}
	}
}

// Subscribe registers a new subscriber. The returned channel is pre-loaded
// with the cached event of every kind. The ID is used to Unsubscribe.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.buffer
	if len(h.cache) > size {
		size = len(h.cache)
	}
	ch := make(chan Event, size)
	if h.closing {
		close(ch)
		return id, ch
	}
	for _, e := range h.cachedLocked() {
		ch <- e
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Cached returns the last event of every kind, ordered by kind.
func (h *Hub) Cached() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cachedLocked()
}

// Last returns the cached event of the given kind.
func (h *Hub) Last(kind Kind) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.cache[kind]
	return e, ok
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close closes all subscriber channels. Later emissions are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return
	}
	h.closing = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *Hub) cachedLocked() []Event {
	events := make([]Event, 0, len(h.cache))
	for _, e := range h.cache {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Kind < events[j].Kind })
	return events
}
