package domain

import "time"

type EventType int

const (
	EventConnectionRequest EventType = iota
	EventStatusUpdate
	EventOriginRemoved
	EventPairingDeclined
	EventSerialState
	EventSerialData
	EventSessionRequest
	EventScanStarted
	EventScanProgress
	EventScanComplete
	EventGCodeStart
	EventGCodeProgress
	EventGCodePaused
	EventGCodeResumed
	EventGCodeStopped
	EventGCodeComplete
	EventGCodeError
	EventEmergencyStop
)

var eventNames = map[EventType]string{
	EventConnectionRequest: "connection_request",
	EventStatusUpdate:      "status_update",
	EventOriginRemoved:     "origin_removed",
	EventPairingDeclined:   "pairing_declined",
	EventSerialState:       "serial_state",
	EventSerialData:        "serial_data",
	EventSessionRequest:    "session_request",
	EventScanStarted:       "scan_started",
	EventScanProgress:      "scan_progress",
	EventScanComplete:      "scan_complete",
	EventGCodeStart:        "gcode_start",
	EventGCodeProgress:     "gcode_progress",
	EventGCodePaused:       "gcode_paused",
	EventGCodeResumed:      "gcode_resumed",
	EventGCodeStopped:      "gcode_stopped",
	EventGCodeComplete:     "gcode_complete",
	EventGCodeError:        "gcode_error",
	EventEmergencyStop:     "emergency_stop",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Topics group events for observers that only want part of the stream.
const (
	TopicPairing = "pairing"
	TopicSerial  = "serial"
	TopicScan    = "scan"
	TopicSession = "session"
	TopicJob     = "job"
)

// Topic returns the topic an event type is published on.
func (t EventType) Topic() string {
	switch t {
	case EventConnectionRequest, EventStatusUpdate, EventOriginRemoved, EventPairingDeclined:
		return TopicPairing
	case EventSerialState, EventSerialData:
		return TopicSerial
	case EventSessionRequest:
		return TopicSession
	case EventScanStarted, EventScanProgress, EventScanComplete:
		return TopicScan
	default:
		return TopicJob
	}
}

// Event is a named, JSON-serialisable state change.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// Emitter receives every state-changing event. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

type SerialDataData struct {
	PortPath string `json:"portPath"`
	Message  string `json:"message"`
}

type ScanProgressData struct {
	Port    string `json:"port"`
	Stage   string `json:"stage"`
	Baud    int    `json:"baud,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Total   int    `json:"total,omitempty"`
	Result  any    `json:"result,omitempty"`
}

type JobEventData struct {
	JobID       string `json:"jobId"`
	PortPath    string `json:"portPath"`
	Filename    string `json:"filename,omitempty"`
	CurrentLine int    `json:"currentLine"`
	TotalLines  int    `json:"totalLines"`
	InFlight    int    `json:"inFlight"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

type EmergencyStopData struct {
	PortPath string `json:"portPath"`
	Firmware string `json:"firmware"`
	Sequence string `json:"sequence"`
}
