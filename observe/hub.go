package observe

import (
	"context"
	"sync"
)

// Hub is a Sink that fans events out to live subscribers. Slow
// subscribers miss events rather than stall the emitter.
type Hub struct {
	mu       sync.RWMutex
	nextID   int
	watchers map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{watchers: map[int]chan Event{}}
}

func (h *Hub) Subscribe(buffer int) (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if buffer <= 0 {
		buffer = 64
	}
	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.watchers[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.watchers[id]; ok {
		delete(h.watchers, id)
		close(ch)
	}
}

func (h *Hub) Emit(ctx context.Context, event Event) error {
	_ = ctx
	event.Normalize()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.watchers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}
