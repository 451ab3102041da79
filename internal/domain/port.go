package domain

import (
	"errors"
	"fmt"
	"time"
)

// PortPhase is the lifecycle phase of the single serial port owned by the
// companion.
type PortPhase int

const (
	PortClosed PortPhase = iota
	PortOpening
	PortOpen
	PortClosing
)

func (p PortPhase) String() string {
	switch p {
	case PortClosed:
		return "closed"
	case PortOpening:
		return "opening"
	case PortOpen:
		return "open"
	case PortClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var ErrInvalidTransition = errors.New("invalid state transition")

func NewInvalidTransitionError(from, to PortPhase) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

var validPortTransitions = map[PortPhase][]PortPhase{
	PortClosed:  {PortOpening},
	PortOpening: {PortOpen, PortClosed},
	PortOpen:    {PortClosing},
	PortClosing: {PortClosed},
}

func CanTransition(from, to PortPhase) bool {
	allowed, ok := validPortTransitions[from]
	if !ok {
		return false
	}
	for _, p := range allowed {
		if p == to {
			return true
		}
	}
	return false
}

// SerialState is the externally visible view of the port. Connected implies
// Port and Baud are set and Error is nil.
type SerialState struct {
	Connected   bool       `json:"connected"`
	Port        *string    `json:"port"`
	Baud        *int       `json:"baud"`
	Error       *string    `json:"error"`
	OpenedAt    *time.Time `json:"openedAt"`
	ByRequestID *string    `json:"byRequestId"`
}

// ClosedState returns the all-null closed shape, optionally carrying an
// error message.
func ClosedState(errMsg string) SerialState {
	st := SerialState{}
	if errMsg != "" {
		st.Error = &errMsg
	}
	return st
}

// OpenState builds the connected shape.
func OpenState(port string, baud int, openedAt time.Time, requestID string) SerialState {
	st := SerialState{
		Connected: true,
		Port:      &port,
		Baud:      &baud,
		OpenedAt:  &openedAt,
	}
	if requestID != "" {
		st.ByRequestID = &requestID
	}
	return st
}

// PortName returns the held port or "".
func (s SerialState) PortName() string {
	if s.Port == nil {
		return ""
	}
	return *s.Port
}

// BaudRate returns the held baud or 0.
func (s SerialState) BaudRate() int {
	if s.Baud == nil {
		return 0
	}
	return *s.Baud
}
