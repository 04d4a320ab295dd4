// Package hub addresses live websocket connections by id. Each connection
// owns a bounded outbound queue drained by its single writer goroutine.
package hub

import (
	"sync"

	"github.com/antoniostano/telecare/internal/observability"
	"github.com/antoniostano/telecare/internal/protocol"
	"github.com/google/uuid"
)

const defaultBuffer = 256

type Hub struct {
	mu      sync.RWMutex
	conns   map[string]chan any
	buffer  int
	metrics *observability.Metrics
}

func New(buffer int, metrics *observability.Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{conns: make(map[string]chan any), buffer: buffer, metrics: metrics}
}

// Attach registers a new connection and returns its id and outbound queue.
func (h *Hub) Attach() (string, <-chan any) {
	id := uuid.NewString()
	ch := make(chan any, h.buffer)

	h.mu.Lock()
	h.conns[id] = ch
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetConnections(n)
	return id, ch
}

// Detach forgets id and closes its queue. It is safe to call twice.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	ch, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
		close(ch)
	}
	n := len(h.conns)
	h.mu.Unlock()

	if ok {
		h.metrics.SetConnections(n)
	}
}

// Send queues event for id without blocking. It reports false when id is
// not attached or its queue is full.
func (h *Hub) Send(id string, event any) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.conns[id]
	if !ok {
		return false
	}
	select {
	case ch <- event:
		return true
	default:
		// Keep websocket writes single-threaded; drop if the queue is saturated.
		t, _ := protocol.TypeOf(event)
		h.metrics.ObserveDroppedMessage(string(t))
		return false
	}
}

func (h *Hub) Connected(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[id]
	return ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
