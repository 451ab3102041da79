package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/pairing"
	"github.com/ricochet1k/beamlink/internal/presentation"
	"github.com/ricochet1k/beamlink/internal/trust"
	apiTypes "github.com/ricochet1k/beamlink/pkg/api"
)

// clientOrigin resolves the caller's origin from the Origin header, or from
// the body for non-browser callers. When both exist they must agree.
func clientOrigin(r *http.Request, bodyOrigin string) (string, error) {
	header := r.Header.Get("Origin")
	switch {
	case header == "" && bodyOrigin == "":
		return "", domain.ValidationError("origin", "is required")
	case header == "":
		return trust.NormalizeOrigin(bodyOrigin)
	}

	norm, err := trust.NormalizeOrigin(header)
	if err != nil {
		return "", err
	}
	if bodyOrigin != "" {
		body, err := trust.NormalizeOrigin(bodyOrigin)
		if err != nil {
			return "", err
		}
		if body != norm {
			return "", domain.ValidationError("origin", "body origin %s does not match Origin header %s", body, norm)
		}
	}
	return norm, nil
}

// requestPairing is the client side of pairing: an untrusted origin asks to
// be let in, optionally proposing its own secret.
func (h *Handler) requestPairing(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.OriginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	origin, err := clientOrigin(r, req.Origin)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	_, outcome, err := h.Pairing.Request(origin, r.Header.Get(pairingSecretHd))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := apiTypes.PairRequestResponse{Origin: origin, Status: outcome.String()}
	switch outcome {
	case pairing.OutcomeTrusted:
		resp.Message = "origin is already trusted"
	default:
		resp.Message = "waiting for the operator to accept this origin"
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) acceptPairing(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.OriginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	res, err := h.Pairing.Accept(req.Origin)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.AcceptResponse{Origin: res.Record.Origin, Secret: res.Secret})
}

func (h *Handler) declinePairing(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.OriginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.Pairing.Decline(req.Origin); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.AckResponse{Success: true})
}

func (h *Handler) addOrigin(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.AddOriginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	rec, err := h.Trust.AddOrigin(req.Origin, req.Secret, req.Note)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentation.OriginRecord(rec))
}

// removeOrigin takes the origin URL-escaped in the path.
func (h *Handler) removeOrigin(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "origin")
	origin, err := url.PathUnescape(raw)
	if err != nil {
		h.writeDomainError(w, domain.ValidationError("origin", "bad escaping: %v", err))
		return
	}
	removed, err := h.Trust.Remove(origin)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, apiTypes.RemoveResponse{Removed: false})
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.RemoveResponse{Removed: true})
}

func (h *Handler) setWildcard(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.WildcardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.Trust.SetWildcard(req.Enabled); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.WildcardResponse{Enabled: h.Trust.WildcardEnabled()})
}
