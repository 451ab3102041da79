package realtime

import (
	"sync"

	"github.com/ricochet1k/beamlink/internal/domain"
)

const OutboundBufferSize = 64

// Frame is one queued outbound item: a hub event, or a direct reply to the
// observer's own connection. Exactly one field is set.
type Frame struct {
	Event *domain.Event
	Reply any
}

type Observer struct {
	id   string
	send chan Frame
	done chan struct{}

	mu     sync.RWMutex
	topics map[string]struct{}
	closed bool
}

func newObserver(id string, size int) *Observer {
	return &Observer{
		id:     id,
		send:   make(chan Frame, size),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
}

func (o *Observer) ID() string {
	return o.id
}

// Queue enqueues f without blocking. False means the queue is full or the
// observer is closed.
func (o *Observer) Queue(f Frame) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.send <- f:
		return true
	default:
		return false
	}
}

// Reply queues a direct message for this observer's connection.
func (o *Observer) Reply(msg any) bool {
	return o.Queue(Frame{Reply: msg})
}

// Done is closed when the observer is closed or pruned.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.send)
	close(o.done)
}

func (o *Observer) Subscribe(topics []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, topic := range topics {
		o.topics[topic] = struct{}{}
	}
}

func (o *Observer) Unsubscribe(topics []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, topic := range topics {
		delete(o.topics, topic)
	}
}

func (o *Observer) IsSubscribed(topic string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if _, ok := o.topics[TopicAll]; ok {
		return true
	}
	_, ok := o.topics[topic]
	return ok
}

// Topics returns the current subscription set.
func (o *Observer) Topics() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.topics))
	for t := range o.topics {
		out = append(out, t)
	}
	return out
}
