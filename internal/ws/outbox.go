package ws

import (
	"fmt"
	"sync"

	"parley/internal/models"
)

// outbox is the bounded send queue of one connection. When it is full the
// oldest queued droppable event gives way to the new one; an incoming
// droppable event with nothing to displace is discarded; anything else is
// backpressure and fails with models.ErrTransport.
type outbox struct {
	mu       sync.Mutex
	items    []models.ServerMessage
	capacity int
	closed   bool
	dropped  int
	signal   chan struct{}
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &outbox{
		items:    make([]models.ServerMessage, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

func (o *outbox) push(msg models.ServerMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("%w: connection closed", models.ErrTransport)
	}

	if len(o.items) >= o.capacity {
		idx := o.oldestDroppable()
		switch {
		case idx >= 0:
			o.items = append(o.items[:idx], o.items[idx+1:]...)
			o.dropped++
		case msg.Droppable():
			o.dropped++
			return nil
		default:
			return fmt.Errorf("%w: send queue full", models.ErrTransport)
		}
	}

	o.items = append(o.items, msg)
	select {
	case o.signal <- struct{}{}:
	default:
	}
	return nil
}

func (o *outbox) oldestDroppable() int {
	for i, m := range o.items {
		if m.Droppable() {
			return i
		}
	}
	return -1
}

// pop removes the oldest queued event.
func (o *outbox) pop() (models.ServerMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return models.ServerMessage{}, false
	}
	msg := o.items[0]
	o.items[0] = models.ServerMessage{}
	o.items = o.items[1:]
	return msg, true
}

// ready is signalled after a push.
func (o *outbox) ready() <-chan struct{} {
	return o.signal
}

// close discards everything queued and rejects further pushes.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.items = nil
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
