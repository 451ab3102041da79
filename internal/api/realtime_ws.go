package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/presentation"
	"github.com/ricochet1k/beamlink/internal/realtime"
	realtimeTypes "github.com/ricochet1k/beamlink/pkg/realtime"
)

const wsWriteWait = 5 * time.Second

// The operator routes already require a loopback peer.
var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := realtimeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	obs := h.Hub.NewObserver()
	defer h.Hub.Unregister(obs.ID())

	go func() {
		h.Hub.Serve(obs, func(f realtime.Frame) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if f.Event != nil {
				return conn.WriteJSON(eventEnvelope(*f.Event))
			}
			return conn.WriteJSON(f.Reply)
		})
		_ = conn.Close()
	}()

	conn.SetReadLimit(64 << 10)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg realtimeTypes.ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendRealtimeError(obs, "invalid message")
			continue
		}

		switch msg.Type {
		case realtimeTypes.ClientMessageTypeSubscribe:
			h.handleRealtimeSubscribe(obs, msg.Topics)
		case realtimeTypes.ClientMessageTypeUnsubscribe:
			obs.Unsubscribe(msg.Topics)
		case realtimeTypes.ClientMessageTypePing:
			if !obs.Reply(realtimeTypes.ServerEnvelope{Type: realtimeTypes.ServerMessageTypePong}) {
				return
			}
		default:
			h.sendRealtimeError(obs, "unsupported message type")
		}
	}
}

func eventEnvelope(e domain.Event) realtimeTypes.ServerEnvelope {
	apiEvent := presentation.Event(e)
	ts := apiEvent.Timestamp
	return realtimeTypes.ServerEnvelope{
		Type:    realtimeTypes.ServerMessageTypeEvent,
		Topic:   e.Type.Topic(),
		Event:   string(apiEvent.Type),
		Time:    &ts,
		Payload: apiEvent.Data,
	}
}

// handleRealtimeSubscribe subscribes obs and queues one snapshot per topic
// ahead of any later event.
func (h *Handler) handleRealtimeSubscribe(obs *realtime.Observer, topics []string) {
	valid := make([]string, 0, len(topics))
	for _, topic := range topics {
		if !realtime.IsSupportedTopic(topic) {
			h.sendRealtimeError(obs, "unsupported topic: "+topic)
			continue
		}
		valid = append(valid, topic)
	}
	if len(valid) == 0 {
		return
	}

	for _, topic := range valid {
		if !obs.Reply(realtimeTypes.ServerEnvelope{
			Type:    realtimeTypes.ServerMessageTypeSnapshot,
			Topic:   topic,
			Payload: h.snapshot(topic),
		}) {
			h.Hub.Unregister(obs.ID())
			return
		}
	}
	obs.Subscribe(valid)
}

func (h *Handler) snapshot(topic string) any {
	switch topic {
	case domain.TopicSerial:
		return presentation.SerialState(h.Serial.State())
	case domain.TopicJob:
		return presentation.JobSnapshot(h.Jobs.Snapshot())
	case domain.TopicPairing:
		return map[string]any{
			"pairedOrigins":       presentation.OriginRecords(h.Trust.Records()),
			"pendingRequests":     presentation.PendingRequests(h.Pairing.Pending()),
			"allowReplitWildcard": h.Trust.WildcardEnabled(),
		}
	case domain.TopicSession:
		return presentation.SessionRequests(h.Sessions.Recent(recentSessionRequests))
	case domain.TopicScan:
		return map[string]bool{"probeActive": h.Serial.Probing()}
	default:
		return h.statusResponse()
	}
}

func (h *Handler) sendRealtimeError(obs *realtime.Observer, message string) {
	if !obs.Reply(realtimeTypes.ServerEnvelope{
		Type:    realtimeTypes.ServerMessageTypeError,
		Message: message,
	}) {
		h.Hub.Unregister(obs.ID())
	}
}
