package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by every component. Callers match them with errors.Is;
// component code wraps them with context via fmt.Errorf("%w: ...").
var (
	ErrValidation       = errors.New("validation error")
	ErrAuth             = errors.New("authentication error")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrHardware         = errors.New("hardware error")
	ErrTimeout          = errors.New("timeout")
	ErrStorage          = errors.New("storage error")
	ErrProbeActive      = errors.New("port scan in progress")
	ErrNotFound         = errors.New("not found")
	ErrBusy             = errors.New("busy")
)

// ValidationError reports a malformed field.
func ValidationError(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, fmt.Sprintf(format, args...))
}

// AlreadyConnectedError names the port currently held.
func AlreadyConnectedError(port string) error {
	return fmt.Errorf("%w: port %s is already open", ErrAlreadyConnected, port)
}

// HardwareError wraps a driver or transport failure so raw transport errors
// never cross a component boundary unclassified.
func HardwareError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrHardware, op, err)
}

// StorageError wraps a persistence failure.
func StorageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// Kind returns a short machine-readable name for the error's class.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrAlreadyConnected):
		return "already_connected"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrProbeActive):
		return "probe_active"
	case errors.Is(err, ErrHardware):
		return "hardware"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "internal"
	}
}
