package api

import (
	"fmt"
	"net/http"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/presentation"
	apiTypes "github.com/ricochet1k/beamlink/pkg/api"
)

// serialConnect opens the port for the operator. A requestId must name an
// accepted session request for the same port and baud.
func (h *Handler) serialConnect(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.SerialConnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	if req.RequestID != "" {
		rec, ok := h.Sessions.Get(req.RequestID)
		switch {
		case !ok:
			h.writeDomainError(w, fmt.Errorf("%w: session request %s", domain.ErrNotFound, req.RequestID))
			return
		case !rec.Accepted:
			h.writeDomainError(w, domainAuth("session request was not accepted"))
			return
		case rec.Com != req.Com || rec.Baud != req.Baud:
			h.writeDomainError(w, domain.ValidationError("com", "session request was for %s at %d", rec.Com, rec.Baud))
			return
		}
	}

	st, err := h.Serial.Connect(r.Context(), req.Com, req.Baud, req.RequestID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.SerialResponse{Success: true, State: presentation.SerialState(st)})
}

func (h *Handler) serialDisconnect(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.SerialDisconnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator request"
	}
	if err := h.Serial.Disconnect(reason); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.SerialResponse{Success: true, State: presentation.SerialState(h.Serial.State())})
}

// serialScan blocks until the probe finishes; a client that goes away
// cancels it.
func (h *Handler) serialScan(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.ScanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	summary, err := h.Probe.Scan(r.Context(), req.Ports)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presentation.ScanResponse(summary))
}
