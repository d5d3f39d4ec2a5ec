package transfer

import (
	"context"
	"sync"

	"goxbridge/types"
)

// Publisher receives every committed transfer state, in commit order per transfer
type Publisher interface {
	Publish(ctx context.Context, t *types.Transfer) error
}

const updateBuffer = 16

// Hub fans committed transfer states out to in-process subscribers. A slow
// subscriber loses intermediate states, never the latest one.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan *types.Transfer]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan *types.Transfer]struct{})}
}

// Subscribe returns a channel of updates for id, closed after the terminal
// state is delivered or when the returned func is called.
func (h *Hub) Subscribe(id string) (<-chan *types.Transfer, func()) {
	ch := make(chan *types.Transfer, updateBuffer)
	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[chan *types.Transfer]struct{})
	}
	h.subs[id][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id][ch]; ok {
			delete(h.subs[id], ch)
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
			close(ch)
		}
	}
}

func (h *Hub) Publish(_ context.Context, t *types.Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[t.ID] {
		deliver(ch, t.Clone())
		if t.Status.Terminal() {
			close(ch)
		}
	}
	if t.Status.Terminal() {
		delete(h.subs, t.ID)
	}
	return nil
}

func (h *Hub) Subscribers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// deliver never blocks: when the buffer is full the oldest update is dropped
func deliver(ch chan *types.Transfer, t *types.Transfer) {
	for {
		select {
		case ch <- t:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
