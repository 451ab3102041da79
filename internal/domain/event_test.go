package domain

import (
	"testing"
	"time"
)

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  string
	}{
		{EventConnectionRequest, "connection_request"},
		{EventStatusUpdate, "status_update"},
		{EventOriginRemoved, "origin_removed"},
		{EventSerialState, "serial_state"},
		{EventSessionRequest, "session_request"},
		{EventScanStarted, "scan_started"},
		{EventScanProgress, "scan_progress"},
		{EventScanComplete, "scan_complete"},
		{EventGCodeComplete, "gcode_complete"},
		{EventType(999), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.eventType.String(); got != tt.expected {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.eventType, got, tt.expected)
		}
	}
}

func TestEventTypeTopic(t *testing.T) {
	tests := []struct {
		eventType EventType
		topic     string
	}{
		{EventConnectionRequest, TopicPairing},
		{EventOriginRemoved, TopicPairing},
		{EventSerialState, TopicSerial},
		{EventSerialData, TopicSerial},
		{EventSessionRequest, TopicSession},
		{EventScanProgress, TopicScan},
		{EventGCodeProgress, TopicJob},
		{EventEmergencyStop, TopicJob},
	}

	for _, tt := range tests {
		if got := tt.eventType.Topic(); got != tt.topic {
			t.Errorf("%s.Topic() = %q, want %q", tt.eventType, got, tt.topic)
		}
	}
}

func TestNewEvent(t *testing.T) {
	before := time.Now()
	e := NewEvent(EventSerialData, SerialDataData{PortPath: "/dev/ttyUSB0", Message: "ok"})
	after := time.Now()

	if e.Type != EventSerialData {
		t.Errorf("expected EventSerialData, got %v", e.Type)
	}
	if e.Timestamp.Before(before.UTC().Add(-time.Second)) || e.Timestamp.After(after.UTC().Add(time.Second)) {
		t.Error("timestamp out of expected range")
	}
	data, ok := e.Data.(SerialDataData)
	if !ok {
		t.Fatalf("expected SerialDataData, got %T", e.Data)
	}
	if data.Message != "ok" {
		t.Errorf("expected message 'ok', got %q", data.Message)
	}
}

func TestEmitterFunc(t *testing.T) {
	var got []EventType
	em := EmitterFunc(func(e Event) { got = append(got, e.Type) })
	em.Emit(NewEvent(EventScanStarted, nil))
	em.Emit(NewEvent(EventScanComplete, nil))
	if len(got) != 2 || got[0] != EventScanStarted || got[1] != EventScanComplete {
		t.Fatalf("unexpected emitted sequence %v", got)
	}
	Discard.Emit(NewEvent(EventScanStarted, nil))
}
