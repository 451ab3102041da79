// Package api serves the operator Control API, the client session routes,
// the event streams and the control channel websocket.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/logging"
	"github.com/ricochet1k/beamlink/internal/pairing"
	"github.com/ricochet1k/beamlink/internal/probe"
	"github.com/ricochet1k/beamlink/internal/profile"
	"github.com/ricochet1k/beamlink/internal/realtime"
	"github.com/ricochet1k/beamlink/internal/serial"
	"github.com/ricochet1k/beamlink/internal/sessions"
	"github.com/ricochet1k/beamlink/internal/token"
	"github.com/ricochet1k/beamlink/internal/transmit"
	"github.com/ricochet1k/beamlink/internal/trust"
	apiTypes "github.com/ricochet1k/beamlink/pkg/api"
)

const maxBodyBytes = 8 << 20

type Deps struct {
	Trust    *trust.Store
	Pairing  *pairing.Broker
	Tokens   *token.Issuer
	Serial   *serial.Manager
	Ports    serial.Enumerator
	Probe    *probe.Engine
	Jobs     *transmit.Transmitter
	Profiles *profile.Catalog
	Sessions *sessions.Log
	Hub      *realtime.Hub
	Logs     *logging.Ring
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// Handler routes API requests to the broker components.
type Handler struct {
	Deps
	log *logrus.Entry
}

func NewHandler(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Ports == nil {
		d.Ports = serial.SystemEnumerator{}
	}
	return &Handler{Deps: d, log: logging.Component(d.Logger, "api")}
}

// Router builds the full route tree.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(h.requestLogger)
	h.Mount(r)
	return r
}

// Mount registers all routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.health)

	// Client routes: called by trusted browser origins.
	r.Group(func(r chi.Router) {
		r.Use(corsForClients)
		r.Post("/session/start", h.startSession)
		r.Options("/session/start", noContent)
		r.Post("/pair/request", h.requestPairing)
		r.Options("/pair/request", noContent)
		r.Get("/profiles", h.listProfiles)
	})
	r.Get("/ws", h.controlWebSocket)

	// Operator routes: loopback peers only, state changes need the CSRF header.
	r.Group(func(r chi.Router) {
		r.Use(LoopbackOnly)
		r.Use(CSRFMiddleware)

		r.Get("/status", h.status)
		r.Get("/ports", h.listPorts)
		r.Get("/logs", h.logs)
		r.Get("/events", h.sseEvents)
		r.Get("/realtime", h.realtimeWebSocket)

		r.Post("/pair/accept", h.acceptPairing)
		r.Post("/pair/decline", h.declinePairing)
		r.Post("/origin", h.addOrigin)
		r.Delete("/origin/{origin}", h.removeOrigin)
		r.Post("/settings/wildcard", h.setWildcard)

		r.Post("/serial/connect", h.serialConnect)
		r.Post("/serial/disconnect", h.serialDisconnect)
		r.Post("/serial/scan", h.serialScan)
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, apiTypes.HealthResponse{Status: "ok"})
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).Round(time.Microsecond).String(),
		}).Debug("request")
	})
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst zero.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return domain.ValidationError("body", "%v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	resp := apiTypes.ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	writeJSON(w, code, resp)
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	writeJSON(w, code, apiTypes.ErrorResponse{Error: err.Error(), Kind: domain.Kind(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyConnected),
		errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrProbeActive),
		errors.Is(err, domain.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
