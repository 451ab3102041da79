// Package serial owns the single physical serial port: opening it, the
// reader goroutine, writes and the broadcast of every state change.
package serial

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/tarm/serial"
)

// DefaultReadTimeout bounds each blocking read so the reader can notice a
// closed session.
const DefaultReadTimeout = 100 * time.Millisecond

// Port is an open serial device. Read may return (0, io.EOF) when the read
// timeout elapses without data; that is not a failure.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens device paths.
type Opener interface {
	Open(path string, baud int) (Port, error)
}

// Enumerator lists candidate device paths.
type Enumerator interface {
	ListPorts() []string
}

// TarmOpener opens real hardware with github.com/tarm/serial.
type TarmOpener struct {
	ReadTimeout time.Duration
}

func (o TarmOpener) Open(path string, baud int) (Port, error) {
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	p, err := serial.OpenPort(&serial.Config{Name: path, Baud: baud, ReadTimeout: timeout})
	if err != nil {
		return nil, err
	}
	_ = p.Flush()
	return p, nil
}

// SystemEnumerator lists USB serial devices on the host.
type SystemEnumerator struct{}

func (SystemEnumerator) ListPorts() []string { return ListPorts() }

// ListPorts finds likely USB CDC/ACM and FTDI ports. On Windows every name
// COM1..COM40 is returned since there is nothing to glob.
func ListPorts() []string {
	var globs []string
	switch runtime.GOOS {
	case "windows":
		ports := make([]string, 0, 40)
		for i := 1; i <= 40; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
		return ports
	case "darwin":
		globs = []string{"/dev/tty.usbmodem*", "/dev/tty.usbserial*", "/dev/cu.usbmodem*", "/dev/cu.usbserial*"}
	default:
		globs = []string{"/dev/ttyACM*", "/dev/ttyUSB*"}
	}

	seen := map[string]bool{}
	for _, g := range globs {
		matches, _ := filepath.Glob(g)
		for _, p := range matches {
			seen[p] = true
		}
	}
	ports := make([]string, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports
}
