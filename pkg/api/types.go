// Package api holds the JSON wire types of the beamlink HTTP API and the
// control channel.
package api

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTypeConnectionRequest EventType = "connection_request"
	EventTypeStatusUpdate      EventType = "status_update"
	EventTypeOriginRemoved     EventType = "origin_removed"
	EventTypePairingDeclined   EventType = "pairing_declined"
	EventTypeSerialState       EventType = "serial_state"
	EventTypeSerialData        EventType = "serial_data"
	EventTypeSessionRequest    EventType = "session_request"
	EventTypeScanStarted       EventType = "scan_started"
	EventTypeScanProgress      EventType = "scan_progress"
	EventTypeScanComplete      EventType = "scan_complete"
)

// Event is one entry of the event stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

type OriginRecord struct {
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	Note      string    `json:"note,omitempty"`
}

type PendingRequest struct {
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
	HasSecret bool      `json:"hasSecret"`
}

type SerialState struct {
	Connected   bool       `json:"connected"`
	Port        *string    `json:"port"`
	Baud        *int       `json:"baud"`
	Error       *string    `json:"error"`
	OpenedAt    *time.Time `json:"openedAt"`
	ByRequestID *string    `json:"byRequestId"`
}

type SessionRequest struct {
	RequestID    string     `json:"requestId"`
	Origin       string     `json:"origin"`
	Com          string     `json:"com"`
	Baud         int        `json:"baud"`
	Profile      string     `json:"profile,omitempty"`
	SessionToken *string    `json:"sessionToken"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	Accepted     bool       `json:"accepted"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type JobSnapshot struct {
	ID          string `json:"id,omitempty"`
	PortPath    string `json:"portPath,omitempty"`
	Filename    string `json:"filename,omitempty"`
	TotalLines  int    `json:"totalLines"`
	CurrentLine int    `json:"currentLine"`
	InFlight    int    `json:"inFlightCount"`
	MaxInFlight int    `json:"maxInFlight"`
	Sent        int    `json:"sent"`
	Acked       int    `json:"acked"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type StatusResponse struct {
	PairedOrigins   []OriginRecord   `json:"pairedOrigins"`
	StaticOrigins   []string         `json:"staticOrigins"`
	PendingRequests []PendingRequest `json:"pendingRequests"`
	WildcardEnabled bool             `json:"allowReplitWildcard"`
	Serial          SerialState      `json:"serial"`
	SessionRequests []SessionRequest `json:"sessionRequests"`
	Job             JobSnapshot      `json:"job"`
	ProbeActive     bool             `json:"probeActive"`
	Observers       int              `json:"observers"`
}

type OriginRequest struct {
	Origin string `json:"origin"`
}

type AddOriginRequest struct {
	Origin string `json:"origin"`
	Secret string `json:"secret"`
	Note   string `json:"note,omitempty"`
}

type AcceptResponse struct {
	Origin string `json:"origin"`
	Secret string `json:"secret,omitempty"`
}

type PairRequestResponse struct {
	Origin  string `json:"origin"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type AckResponse struct {
	Success bool `json:"success"`
}

type RemoveResponse struct {
	Removed bool `json:"removed"`
}

type WildcardRequest struct {
	Enabled bool `json:"enabled"`
}

type WildcardResponse struct {
	Enabled bool `json:"enabled"`
}

type SessionStartRequest struct {
	Origin  string `json:"origin,omitempty"`
	Com     string `json:"com"`
	Baud    int    `json:"baud"`
	Profile string `json:"profile,omitempty"`
}

type SessionStartResponse struct {
	RequestID    string     `json:"requestId"`
	SessionToken *string    `json:"sessionToken"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	Accepted     bool       `json:"accepted"`
	Message      string     `json:"message,omitempty"`
}

type SerialConnectRequest struct {
	RequestID string `json:"requestId,omitempty"`
	Com       string `json:"com"`
	Baud      int    `json:"baud"`
}

type SerialDisconnectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SerialResponse struct {
	Success bool        `json:"success"`
	State   SerialState `json:"state"`
}

type ScanRequest struct {
	Ports []string `json:"ports,omitempty"`
}

type ScanResult struct {
	Port     string `json:"port"`
	Baud     *int   `json:"baud"`
	Firmware string `json:"firmware,omitempty"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
}

type ScanResponse struct {
	Results   []ScanResult `json:"results"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Duration  string       `json:"duration"`
}

type PortsResponse struct {
	Ports []string `json:"ports"`
}

type ProfileCommands struct {
	Reset    string `json:"reset"`
	Unlock   string `json:"unlock"`
	Home     string `json:"home"`
	Status   string `json:"status"`
	FeedHold string `json:"feedHold"`
	Resume   string `json:"resume"`
}

type MachineProfile struct {
	Name            string          `json:"name"`
	FirmwareType    string          `json:"firmwareType"`
	BaudRate        int             `json:"baudRate"`
	DataBits        int             `json:"dataBits"`
	StopBits        int             `json:"stopBits"`
	Parity          string          `json:"parity"`
	LineEnding      string          `json:"lineEnding"`
	Commands        ProfileCommands `json:"commands"`
	BufferSize      int             `json:"bufferSize"`
	ResponseTimeout int             `json:"responseTimeout"`
}

type ProfilesResponse struct {
	Profiles []MachineProfile `json:"profiles"`
	Default  string           `json:"default"`
}

type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type LogsResponse struct {
	Entries []LogEntry `json:"entries"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ControlInbound is a control channel message from the browser.
type ControlInbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ControlOutbound is a control channel message to the browser.
type ControlOutbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
