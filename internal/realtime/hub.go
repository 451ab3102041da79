// Package realtime fans domain events out to observers (SSE streams,
// websocket subscribers and control channel sessions).
package realtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/logging"
)

// Hub implements domain.Emitter. Emit never blocks: an observer whose queue
// is full is pruned and must reconnect.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*Observer
	log       *logrus.Entry
}

func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		observers: make(map[string]*Observer),
		log:       logging.Component(logger, "realtime"),
	}
}

// NewObserver registers an observer subscribed to topics. TopicAll
// subscribes to everything.
func (h *Hub) NewObserver(topics ...string) *Observer {
	o := newObserver(uuid.NewString(), OutboundBufferSize)
	o.Subscribe(topics)
	h.Register(o)
	return o
}

func (h *Hub) Register(o *Observer) {
	h.mu.Lock()
	h.observers[o.ID()] = o
	h.mu.Unlock()
	h.log.WithField("observer", o.ID()).Debug("observer registered")
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	o, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
	}
	h.mu.Unlock()

	if ok {
		o.Close()
		h.log.WithField("observer", id).Debug("observer removed")
	}
}

// Emit queues e on every observer subscribed to its topic.
func (h *Hub) Emit(e domain.Event) {
	topic := e.Type.Topic()

	h.mu.RLock()
	observers := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.RUnlock()

	for _, o := range observers {
		if !o.IsSubscribed(topic) {
			continue
		}
		if o.Queue(Frame{Event: &e}) {
			continue
		}
		h.log.WithFields(logrus.Fields{"observer": o.ID(), "event": e.Type.String()}).Warn("observer queue full, pruning")
		h.Unregister(o.ID())
	}
}

// Serve is the observer's single writer. It returns when the observer is
// closed or write fails; a failed write prunes the observer.
func (h *Hub) Serve(o *Observer, write func(Frame) error) {
	for f := range o.send {
		if err := write(f); err != nil {
			h.log.WithField("observer", o.ID()).WithError(err).Debug("observer write failed")
			h.Unregister(o.ID())
			return
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close drops every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	observers := h.observers
	h.observers = make(map[string]*Observer)
	h.mu.Unlock()

	for _, o := range observers {
		o.Close()
	}
}
