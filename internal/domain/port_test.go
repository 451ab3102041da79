package domain

import (
	"errors"
	"testing"
	"time"
)

func TestPortPhaseString(t *testing.T) {
	tests := []struct {
		phase    PortPhase
		expected string
	}{
		{PortClosed, "closed"},
		{PortOpening, "opening"},
		{PortOpen, "open"},
		{PortClosing, "closing"},
		{PortPhase(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.expected {
			t.Errorf("PortPhase(%d).String() = %q, want %q", tt.phase, got, tt.expected)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from     PortPhase
		to       PortPhase
		expected bool
	}{
		{PortClosed, PortOpening, true},
		{PortClosed, PortOpen, false},
		{PortOpening, PortOpen, true},
		{PortOpening, PortClosed, true},
		{PortOpen, PortClosing, true},
		{PortOpen, PortClosed, false},
		{PortOpen, PortOpening, false},
		{PortClosing, PortClosed, true},
		{PortClosing, PortOpen, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.expected {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.expected)
		}
	}
}

func TestNewInvalidTransitionError(t *testing.T) {
	err := NewInvalidTransitionError(PortOpen, PortOpening)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err.Error() != "invalid state transition: open -> opening" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestSerialStateShapes(t *testing.T) {
	closed := ClosedState("")
	if closed.Connected || closed.Port != nil || closed.Baud != nil || closed.Error != nil || closed.OpenedAt != nil || closed.ByRequestID != nil {
		t.Fatalf("closed state is not all-null: %+v", closed)
	}

	failed := ClosedState("no such device")
	if failed.Error == nil || *failed.Error != "no such device" {
		t.Fatalf("expected error to be carried, got %+v", failed)
	}

	now := time.Now()
	open := OpenState("/dev/ttyUSB0", 115200, now, "req-1")
	if !open.Connected || open.PortName() != "/dev/ttyUSB0" || open.BaudRate() != 115200 || open.Error != nil {
		t.Fatalf("open state violates invariant: %+v", open)
	}
	if open.ByRequestID == nil || *open.ByRequestID != "req-1" {
		t.Errorf("expected byRequestId req-1, got %v", open.ByRequestID)
	}

	anon := OpenState("COM3", 9600, now, "")
	if anon.ByRequestID != nil {
		t.Errorf("expected nil byRequestId, got %v", *anon.ByRequestID)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{ValidationError("origin", "bad"), "validation"},
		{AlreadyConnectedError("COM3"), "already_connected"},
		{HardwareError("open", errors.New("boom")), "hardware"},
		{StorageError("write", errors.New("disk full")), "storage"},
		{ErrProbeActive, "probe_active"},
		{errors.New("other"), "internal"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.kind {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.kind)
		}
	}
}
