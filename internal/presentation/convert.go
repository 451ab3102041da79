// Package presentation converts domain values into the JSON wire types of
// pkg/api.
package presentation

import (
	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/logging"
	"github.com/ricochet1k/beamlink/internal/probe"
	"github.com/ricochet1k/beamlink/internal/profile"
	apiTypes "github.com/ricochet1k/beamlink/pkg/api"
)

func Event(e domain.Event) apiTypes.Event {
	return apiTypes.Event{
		Type:      apiTypes.EventType(e.Type.String()),
		Timestamp: e.Timestamp,
		Data:      eventData(e.Data),
	}
}

func eventData(data any) any {
	switch d := data.(type) {
	case domain.SerialState:
		return SerialState(d)
	case domain.SessionRequest:
		return SessionRequest(d)
	case domain.OriginRecord:
		return OriginRecord(d)
	case domain.PendingRequest:
		return PendingRequest(d)
	case probe.Summary:
		return ScanResponse(d)
	default:
		return d
	}
}

// OriginRecord never carries the secret hash.
func OriginRecord(r domain.OriginRecord) apiTypes.OriginRecord {
	return apiTypes.OriginRecord{
		Origin:    r.Origin,
		CreatedAt: r.CreatedAt,
		LastSeen:  r.LastSeen,
		Note:      r.Note,
	}
}

func OriginRecords(rs []domain.OriginRecord) []apiTypes.OriginRecord {
	out := make([]apiTypes.OriginRecord, len(rs))
	for i, r := range rs {
		out[i] = OriginRecord(r)
	}
	return out
}

func PendingRequest(p domain.PendingRequest) apiTypes.PendingRequest {
	return apiTypes.PendingRequest{Origin: p.Origin, Timestamp: p.Timestamp, HasSecret: p.HasSecret}
}

func PendingRequests(ps []domain.PendingRequest) []apiTypes.PendingRequest {
	out := make([]apiTypes.PendingRequest, len(ps))
	for i, p := range ps {
		out[i] = PendingRequest(p)
	}
	return out
}

func SerialState(s domain.SerialState) apiTypes.SerialState {
	return apiTypes.SerialState{
		Connected:   s.Connected,
		Port:        s.Port,
		Baud:        s.Baud,
		Error:       s.Error,
		OpenedAt:    s.OpenedAt,
		ByRequestID: s.ByRequestID,
	}
}

func SessionRequest(r domain.SessionRequest) apiTypes.SessionRequest {
	return apiTypes.SessionRequest{
		RequestID:    r.RequestID,
		Origin:       r.Origin,
		Com:          r.Com,
		Baud:         r.Baud,
		Profile:      r.Profile,
		SessionToken: r.SessionToken,
		ExpiresAt:    r.ExpiresAt,
		Accepted:     r.Accepted,
		CreatedAt:    r.CreatedAt,
	}
}

func SessionRequests(rs []domain.SessionRequest) []apiTypes.SessionRequest {
	out := make([]apiTypes.SessionRequest, len(rs))
	for i, r := range rs {
		out[i] = SessionRequest(r)
	}
	return out
}

func JobSnapshot(j domain.JobSnapshot) apiTypes.JobSnapshot {
	return apiTypes.JobSnapshot{
		ID:          j.ID,
		PortPath:    j.PortPath,
		Filename:    j.Filename,
		TotalLines:  j.TotalLines,
		CurrentLine: j.CurrentLine,
		InFlight:    j.InFlight,
		MaxInFlight: j.MaxInFlight,
		Sent:        j.Sent,
		Acked:       j.Acked,
		Status:      j.Status,
		Error:       j.Error,
	}
}

func ScanResponse(s probe.Summary) apiTypes.ScanResponse {
	results := make([]apiTypes.ScanResult, len(s.Results))
	for i, r := range s.Results {
		results[i] = apiTypes.ScanResult{
			Port:     r.Port,
			Baud:     r.Baud,
			Firmware: r.Firmware,
			Success:  r.Success,
			Message:  r.Message,
		}
	}
	return apiTypes.ScanResponse{Results: results, Cancelled: s.Cancelled, Duration: s.Duration}
}

func Profile(p profile.Profile) apiTypes.MachineProfile {
	return apiTypes.MachineProfile{
		Name:         p.Name,
		FirmwareType: string(p.FirmwareType),
		BaudRate:     p.BaudRate,
		DataBits:     p.DataBits,
		StopBits:     p.StopBits,
		Parity:       p.Parity,
		LineEnding:   p.LineEnding,
		Commands: apiTypes.ProfileCommands{
			Reset:    p.Commands.Reset,
			Unlock:   p.Commands.Unlock,
			Home:     p.Commands.Home,
			Status:   p.Commands.Status,
			FeedHold: p.Commands.FeedHold,
			Resume:   p.Commands.Resume,
		},
		BufferSize:      p.BufferSize,
		ResponseTimeout: p.ResponseTimeoutMS,
	}
}

func Profiles(ps []profile.Profile) []apiTypes.MachineProfile {
	out := make([]apiTypes.MachineProfile, len(ps))
	for i, p := range ps {
		out[i] = Profile(p)
	}
	return out
}

func LogEntries(es []logging.Entry) []apiTypes.LogEntry {
	out := make([]apiTypes.LogEntry, len(es))
	for i, e := range es {
		out[i] = apiTypes.LogEntry{Time: e.Time, Level: e.Level, Message: e.Message, Fields: e.Fields}
	}
	return out
}
