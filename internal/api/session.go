package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/domain"
	apiTypes "github.com/ricochet1k/beamlink/pkg/api"
)

// startSession issues a short-lived session token to a trusted origin. An
// untrusted origin gets accepted:false and a pending pairing request.
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.SessionStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	origin, err := clientOrigin(r, req.Origin)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if req.Com == "" {
		h.writeDomainError(w, domain.ValidationError("com", "is required"))
		return
	}
	if req.Baud <= 0 {
		h.writeDomainError(w, domain.ValidationError("baud", "must be positive"))
		return
	}
	if req.Profile != "" {
		if _, ok := h.Profiles.Get(req.Profile); !ok {
			h.writeDomainError(w, domain.ValidationError("profile", "unknown machine profile %q", req.Profile))
			return
		}
	}

	log := h.log.WithFields(logrus.Fields{"origin": origin, "com": req.Com, "baud": req.Baud})
	record := domain.SessionRequest{
		RequestID: uuid.NewString(),
		Origin:    origin,
		Com:       req.Com,
		Baud:      req.Baud,
		Profile:   req.Profile,
		CreatedAt: h.Now().UTC(),
	}
	secret := r.Header.Get(pairingSecretHd)

	if !h.Trust.IsTrusted(origin) {
		if _, _, err := h.Pairing.Request(origin, secret); err != nil {
			h.writeDomainError(w, err)
			return
		}
		h.Sessions.Add(record)
		log.Info("session refused, origin not trusted; pairing requested")
		writeJSON(w, http.StatusOK, apiTypes.SessionStartResponse{
			RequestID: record.RequestID,
			Accepted:  false,
			Message:   "origin is not paired; ask the operator to accept it",
		})
		return
	}

	if h.Trust.RequiresSecret(origin) && !h.Trust.Verify(origin, secret) {
		h.Sessions.Add(record)
		log.Warn("session refused, pairing secret mismatch")
		h.writeDomainError(w, domainAuth("pairing secret missing or wrong"))
		return
	}

	if err := h.Trust.Touch(origin); err != nil {
		log.WithError(err).Warn("could not update last seen")
	}

	raw, expiresAt, err := h.Tokens.IssueFor(record.RequestID, origin, req.Com, req.Baud)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	record.SessionToken = &raw
	record.ExpiresAt = &expiresAt
	record.Accepted = true
	h.Sessions.Add(record)
	log.WithField("request_id", record.RequestID).Info("session token issued")

	writeJSON(w, http.StatusOK, apiTypes.SessionStartResponse{
		RequestID:    record.RequestID,
		SessionToken: &raw,
		ExpiresAt:    &expiresAt,
		Accepted:     true,
	})
}
