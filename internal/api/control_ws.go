package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/control"
	"github.com/ricochet1k/beamlink/internal/realtime"
	"github.com/ricochet1k/beamlink/internal/trust"
)

const controlReadLimit = 16 << 20

// The Origin check happens after the upgrade so an untrusted page can be
// told why it was refused.
var controlUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlWebSocket serves the browser control channel. Untrusted origins get
// pairing_required, a pending pairing request and close code 1008.
func (h *Handler) controlWebSocket(w http.ResponseWriter, r *http.Request) {
	rawOrigin := r.Header.Get("Origin")
	origin, originErr := trust.NormalizeOrigin(rawOrigin)

	conn, err := controlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if originErr != nil || !h.Trust.IsTrusted(origin) {
		h.refuseControl(conn, rawOrigin, origin, originErr == nil)
		return
	}

	obs := h.Hub.NewObserver()
	defer h.Hub.Unregister(obs.ID())

	sess := control.NewSession(origin, obs, control.Deps{
		Tokens:   h.Tokens,
		Serial:   h.Serial,
		Ports:    h.Ports,
		Jobs:     h.Jobs,
		Profiles: h.Profiles,
		Logger:   h.Logger,
	})

	go func() {
		h.Hub.Serve(obs, func(f realtime.Frame) error {
			return sess.WriteFrame(conn, f)
		})
		_ = conn.Close()
	}()

	conn.SetReadLimit(controlReadLimit)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !sess.Handle(r.Context(), raw) {
			// Let the writer flush the reply and the close frame.
			select {
			case <-obs.Done():
			case <-time.After(wsWriteWait):
			}
			return
		}
	}
}

func (h *Handler) refuseControl(conn *websocket.Conn, rawOrigin, origin string, valid bool) {
	defer conn.Close()

	log := h.log.WithField("origin", rawOrigin)
	if valid {
		if _, _, err := h.Pairing.Request(origin, ""); err != nil {
			log.WithError(err).Warn("could not record pairing request")
		}
	} else {
		origin = rawOrigin
	}
	log.WithFields(logrus.Fields{"valid_origin": valid}).Info("control channel refused, origin not trusted")

	deadline := time.Now().Add(wsWriteWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(control.Out(control.OutPairingRequired, map[string]string{
		"origin":  origin,
		"message": "this origin is not paired with the companion; accept it from the dashboard",
	}))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "origin not trusted"), deadline)
}
