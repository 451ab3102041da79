package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/presentation"
	apiTypes "github.com/ricochet1k/beamlink/pkg/api"
)

const recentSessionRequests = 20

func domainAuth(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrAuth, msg)
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.statusResponse())
}

func (h *Handler) statusResponse() apiTypes.StatusResponse {
	return apiTypes.StatusResponse{
		PairedOrigins:   presentation.OriginRecords(h.Trust.Records()),
		StaticOrigins:   h.Trust.StaticOrigins(),
		PendingRequests: presentation.PendingRequests(h.Pairing.Pending()),
		WildcardEnabled: h.Trust.WildcardEnabled(),
		Serial:          presentation.SerialState(h.Serial.State()),
		SessionRequests: presentation.SessionRequests(h.Sessions.Recent(recentSessionRequests)),
		Job:             presentation.JobSnapshot(h.Jobs.Snapshot()),
		ProbeActive:     h.Serial.Probing(),
		Observers:       h.Hub.Count(),
	}
}

func (h *Handler) listPorts(w http.ResponseWriter, _ *http.Request) {
	ports := h.Ports.ListPorts()
	if ports == nil {
		ports = []string{}
	}
	writeJSON(w, http.StatusOK, apiTypes.PortsResponse{Ports: ports})
}

func (h *Handler) listProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, apiTypes.ProfilesResponse{
		Profiles: presentation.Profiles(h.Profiles.List()),
		Default:  h.Profiles.Default().Name,
	})
}

// logs returns recent log entries; ?limit=N trims to the newest N.
func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeDomainError(w, domain.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	var entries []apiTypes.LogEntry
	if h.Logs != nil {
		entries = presentation.LogEntries(h.Logs.Recent(limit))
	}
	if entries == nil {
		entries = []apiTypes.LogEntry{}
	}
	writeJSON(w, http.StatusOK, apiTypes.LogsResponse{Entries: entries})
}
