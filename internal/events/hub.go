package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// Hub fans committed events out to in-process subscribers, keyed by run.
// Slow subscribers drop events rather than block publishers; they can
// catch up from the event log.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan types.Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[chan types.Event]struct{})}
}

// Name implements Publisher.
func (h *Hub) Name() string { return "hub" }

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, e types.Event) error {
	if e.RunID == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[*e.RunID] {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events for runID and a cancel function
// that must be called to release it.
func (h *Hub) Subscribe(runID uuid.UUID, buffer int) (<-chan types.Event, func()) {
	ch := make(chan types.Event, buffer)
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan types.Event]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[runID], ch)
			if len(h.subs[runID]) == 0 {
				delete(h.subs, runID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}
