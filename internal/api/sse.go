package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/presentation"
	"github.com/ricochet1k/beamlink/internal/realtime"
)

// sseEvents streams hub events as Server-Sent Events, optionally filtered by
// ?topics=serial,job. The observer is registered before headers are flushed
// so no event is lost between the client seeing the 200 and the first
// broadcast. The current serial state is sent first.
func (h *Handler) sseEvents(w http.ResponseWriter, r *http.Request) {
	topics, err := realtime.ParseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	obs := h.Hub.NewObserver(topics...)
	defer h.Hub.Unregister(obs.ID())

	if obs.IsSubscribed(domain.TopicSerial) {
		initial := domain.NewEvent(domain.EventSerialState, h.Serial.State())
		obs.Queue(realtime.Frame{Event: &initial})
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	go func() {
		select {
		case <-ctx.Done():
			h.Hub.Unregister(obs.ID())
		case <-obs.Done():
		}
	}()

	h.Hub.Serve(obs, func(f realtime.Frame) error {
		if f.Event == nil {
			return nil
		}
		if err := writeSSEEvent(w, *f.Event); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

// writeSSEEvent serialises a single domain event in the SSE wire format:
//
//	event: <type>\n
//	data: <json>\n
//	\n
func writeSSEEvent(w http.ResponseWriter, event domain.Event) error {
	apiEvent := presentation.Event(event)
	data, err := json.Marshal(apiEvent)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", apiEvent.Type, data)
	return err
}
