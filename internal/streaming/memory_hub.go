package streaming

import (
	"context"
	"sync"
)

const defaultChannelBuffer = 64

// MemoryHub is an in-process Hub backed by buffered channels. Delivery is
// best effort: a subscriber that stops draining its channel loses events
// rather than stalling the run.
type MemoryHub struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]listener
}

type listener struct {
	events chan RunEvent
	filter EventFilter
}

func (l listener) wants(e RunEvent) bool {
	if l.filter.ExecutionID != "" && l.filter.ExecutionID != e.ExecutionID {
		return false
	}
	if len(l.filter.EventTypes) == 0 {
		return true
	}
	for _, t := range l.filter.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{listeners: make(map[uint64]listener)}
}

// Publish fans the event out to every subscriber whose filter matches.
// Full subscriber buffers drop the event instead of blocking the publisher.
func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, l := range h.listeners {
		if !l.wants(event) {
			continue
		}
		select {
		case l.events <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel func
// removes the subscription and closes the channel, terminating any range
// loop over it; calling cancel more than once is safe.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	events := make(chan RunEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = listener{events: events, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.listeners[id]; !ok {
			return
		}
		delete(h.listeners, id)
		// Publish only sends under the read lock, so once the listener is
		// gone no sender can still hold the channel.
		close(events)
	}

	return events, cancel, nil
}

var _ Hub = (*MemoryHub)(nil)
