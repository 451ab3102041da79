// Package simport simulates GRBL, Marlin and Smoothieware controllers behind
// the serial.Opener interface. It backs `serve --simulate` and the tests of
// every serial consumer.
package simport

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ricochet1k/beamlink/internal/serial"
)

var (
	ErrNoDevice   = errors.New("no such device")
	ErrPortClosed = errors.New("port closed")
	ErrUnplugged  = errors.New("device unplugged")
	ErrBusy       = errors.New("device busy")
)

const (
	FirmwareGRBL     = "grbl"
	FirmwareMarlin   = "marlin"
	FirmwareSmoothie = "smoothie"
)

// Responder computes the reply lines for one received line. Returning nil
// means silence.
type Responder func(line string) []string

// Device is one simulated controller.
type Device struct {
	// Baud is the only rate the device answers at; 0 answers at any rate.
	Baud     int
	Firmware string
	// AckDelay postpones every reply.
	AckDelay time.Duration
	// ManualAck holds back "ok" replies to G-code lines until Ack is called.
	ManualAck bool
	// Respond overrides the firmware's built-in replies.
	Respond Responder
	// OpenErr makes Open fail.
	OpenErr error

	mu             sync.Mutex
	conn           *Conn
	lines          []string
	realtime       []byte
	outstanding    int
	maxOutstanding int
	heldAcks       int
	opens          int
}

// Lines returns every line the device received, in order.
func (d *Device) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

// Realtime returns the single-byte commands (0x18, '?', '!', '~') received.
func (d *Device) Realtime() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.realtime...)
}

// MaxOutstanding is the largest number of lines the device held without
// having sent their acknowledgement.
func (d *Device) MaxOutstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOutstanding
}

// Outstanding is the current number of unacknowledged lines.
func (d *Device) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding
}

func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Ack releases up to n held acknowledgements in ManualAck mode.
func (d *Device) Ack(n int) {
	d.mu.Lock()
	if n > d.heldAcks {
		n = d.heldAcks
	}
	d.heldAcks -= n
	d.outstanding -= n
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return
	}
	for i := 0; i < n; i++ {
		conn.deliver("ok")
	}
}

// Unplug fails the open connection's reads as if the cable was pulled.
func (d *Device) Unplug() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		conn.fail(ErrUnplugged)
	}
}

// Bus is a set of simulated devices addressed by path. It implements
// serial.Opener and serial.Enumerator.
type Bus struct {
	mu      sync.Mutex
	devices map[string]*Device
}

func NewBus() *Bus {
	return &Bus{devices: make(map[string]*Device)}
}

// Add registers d at path and returns it.
func (b *Bus) Add(path string, d *Device) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[path] = d
	return d
}

func (b *Bus) Device(path string) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[path]
}

func (b *Bus) ListPorts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.devices))
	for p := range b.devices {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (b *Bus) Open(path string, baud int) (serial.Port, error) {
	d := b.Device(path)
	if d == nil {
		return nil, fmt.Errorf("open %s: %w", path, ErrNoDevice)
	}
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil && !d.conn.isClosed() {
		return nil, fmt.Errorf("open %s: %w", path, ErrBusy)
	}
	c := newConn(d, baud)
	d.conn = c
	d.opens++
	d.outstanding = 0
	d.heldAcks = 0
	return c, nil
}

// Default builds the bus used by `serve --simulate`: a GRBL laser and a
// Marlin printer-style controller.
func Default() *Bus {
	b := NewBus()
	b.Add("/dev/ttySIM0", &Device{Baud: 115200, Firmware: FirmwareGRBL, AckDelay: 2 * time.Millisecond})
	b.Add("/dev/ttySIM1", &Device{Baud: 250000, Firmware: FirmwareMarlin, AckDelay: 2 * time.Millisecond})
	return b
}

// replies returns the firmware's answer to line. gcode reports whether the
// line is a buffered command that consumes an acknowledgement.
func (d *Device) replies(line string) (out []string, gcode bool) {
	if d.Respond != nil {
		return d.Respond(line), false
	}
	upper := strings.ToUpper(strings.TrimSpace(line))

	switch d.Firmware {
	case FirmwareGRBL:
		switch {
		case upper == "$$":
			return []string{"$0=10", "$1=25", "$32=1", "ok"}, false
		case upper == "$I":
			return []string{"[VER:1.1h.20190825:]", "ok"}, false
		case strings.HasPrefix(upper, "$"):
			return []string{"ok"}, false
		case strings.HasPrefix(upper, "M115"):
			return []string{"error:20"}, false
		}
		return []string{"ok"}, true
	case FirmwareMarlin:
		switch {
		case strings.HasPrefix(upper, "M115"):
			return []string{"FIRMWARE_NAME:Marlin 2.1.2 (Sep 1 2023) SOURCE_CODE_URL:github.com/MarlinFirmware/Marlin MACHINE_TYPE:3D Printer", "ok"}, false
		case strings.HasPrefix(upper, "M112"):
			return []string{"echo:Emergency stop"}, false
		case strings.HasPrefix(upper, "$"), upper == "?":
			return []string{`echo:Unknown command: "` + line + `"`, "ok"}, false
		}
		return []string{"ok"}, true
	case FirmwareSmoothie:
		switch {
		case strings.HasPrefix(upper, "M115"):
			return []string{"FIRMWARE_NAME:Smoothieware, FIRMWARE_URL:http%3A//smoothieware.org, X-SOURCE_CODE_URL:https://github.com/Smoothieware/Smoothieware", "ok"}, false
		case strings.HasPrefix(upper, "$"):
			return []string{"ok"}, false
		}
		return []string{"ok"}, true
	default:
		return nil, false
	}
}

func (d *Device) statusReport() []string {
	if d.Respond != nil {
		return d.Respond("?")
	}
	switch d.Firmware {
	case FirmwareGRBL:
		return []string{"<Idle|MPos:0.000,0.000,0.000|FS:0,0>"}
	case FirmwareSmoothie:
		return []string{"<Idle,MPos:0.0000,0.0000,0.0000,WPos:0.0000,0.0000,0.0000>"}
	default:
		return nil
	}
}

func (d *Device) handlesRealtime() bool {
	return d.Firmware == FirmwareGRBL || d.Firmware == FirmwareSmoothie || (d.Respond != nil && d.Firmware == "")
}
