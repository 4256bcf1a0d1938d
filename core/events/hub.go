package events

import (
	"sync"

	"escrowledger/core/types"
)

// DefaultSubscriberBuffer is the channel capacity handed to each subscriber.
const DefaultSubscriberBuffer = 64

// Hub fans committed events out to live subscribers. A subscriber that falls
// a full buffer behind is dropped and its channel closed.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	buffer int
	onDrop func()
}

type subscription struct {
	ch     chan *types.Event
	filter func(*types.Event) bool
}

// NewHub returns a hub using buffer as the per-subscriber channel size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{subs: make(map[uint64]*subscription), buffer: buffer}
}

// OnDrop registers a callback invoked whenever a slow subscriber is evicted.
func (h *Hub) OnDrop(fn func()) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Subscribe registers a listener. A nil filter receives every event. The
// returned cancel func is idempotent.
func (h *Hub) Subscribe(filter func(*types.Event) bool) (<-chan *types.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	sub := &subscription{ch: make(chan *types.Event, h.buffer), filter: filter}
	h.subs[id] = sub
	return sub.ch, func() { h.remove(id) }
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Emit implements the Emitter interface.
func (h *Hub) Emit(evt Event) {
	if evt == nil || evt.Event() == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		payload := cloneEvent(evt.Event())
		if sub.filter != nil && !sub.filter(payload) {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			delete(h.subs, id)
			close(sub.ch)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

func cloneEvent(evt *types.Event) *types.Event {
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	return &types.Event{Type: evt.Type, Attributes: attrs}
}
