// Package probe scans candidate ports and baud rates for a controller that
// answers like GRBL, Marlin or Smoothieware.
package probe

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/logging"
	"github.com/ricochet1k/beamlink/internal/serial"
)

var DefaultBauds = []int{115200, 250000, 9600, 19200, 38400, 57600}

const (
	DefaultTimeout = 500 * time.Millisecond
	DefaultSettle  = 100 * time.Millisecond
	DefaultStagger = 100 * time.Millisecond
)

// Identification commands, sent in order: status query, settings dump,
// firmware name.
var probeCommands = []string{"?", "$$", "M115"}

const (
	StagePortStart   = "port_start"
	StageBaudAttempt = "baud_attempt"
	StageDetected    = "detected"
	StagePortFailed  = "port_failed"
)

// Locker is the serial manager's probe lock.
type Locker interface {
	AcquireProbe() (func(), error)
}

type Result struct {
	Port     string `json:"port"`
	Baud     *int   `json:"baud"`
	Firmware string `json:"firmware,omitempty"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

type Summary struct {
	Results   []Result `json:"results"`
	Cancelled bool     `json:"cancelled"`
	Duration  string   `json:"duration"`
}

type Config struct {
	Locker     Locker
	Opener     serial.Opener
	Enumerator serial.Enumerator
	Bauds      []int
	Timeout    time.Duration
	Settle     time.Duration
	Stagger    time.Duration
	Emitter    domain.Emitter
	Logger     logrus.FieldLogger
}

type Engine struct {
	cfg Config
	log *logrus.Entry
}

func NewEngine(cfg Config) *Engine {
	if len(cfg.Bauds) == 0 {
		cfg.Bauds = DefaultBauds
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Stagger <= 0 {
		cfg.Stagger = DefaultStagger
	}
	if cfg.Emitter == nil {
		cfg.Emitter = domain.Discard
	}
	if cfg.Enumerator == nil {
		cfg.Enumerator = serial.SystemEnumerator{}
	}
	return &Engine{cfg: cfg, log: logging.Component(cfg.Logger, "probe")}
}

// Scan probes ports (all enumerated ports when empty). It holds the serial
// manager's probe lock for its whole duration, so it fails while a port is
// open. Cancelling ctx stops the scan at the next attempt boundary;
// scan_complete is still emitted.
func (e *Engine) Scan(ctx context.Context, ports []string) (Summary, error) {
	release, err := e.cfg.Locker.AcquireProbe()
	if err != nil {
		return Summary{}, err
	}
	defer release()

	if len(ports) == 0 {
		ports = e.cfg.Enumerator.ListPorts()
	}

	start := time.Now()
	e.emit(domain.EventScanStarted, map[string]any{"ports": ports, "bauds": e.cfg.Bauds})
	e.log.WithField("ports", len(ports)).Info("scan started")

	summary := Summary{Results: make([]Result, 0, len(ports))}
	for _, port := range ports {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
		res, cancelled := e.scanPort(ctx, port)
		if cancelled {
			summary.Cancelled = true
			break
		}
		summary.Results = append(summary.Results, res)
	}
	summary.Duration = time.Since(start).Round(time.Millisecond).String()

	e.emit(domain.EventScanComplete, summary)
	e.log.WithFields(logrus.Fields{"results": len(summary.Results), "cancelled": summary.Cancelled}).Info("scan complete")
	return summary, nil
}

func (e *Engine) scanPort(ctx context.Context, port string) (Result, bool) {
	total := len(e.cfg.Bauds)
	e.emit(domain.EventScanProgress, domain.ScanProgressData{Port: port, Stage: StagePortStart, Total: total})

	lastMsg := "no response"
	for i, baud := range e.cfg.Bauds {
		if ctx.Err() != nil {
			return Result{}, true
		}
		e.emit(domain.EventScanProgress, domain.ScanProgressData{Port: port, Stage: StageBaudAttempt, Baud: baud, Attempt: i + 1, Total: total})

		fw, err := e.attempt(ctx, port, baud)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, true
			}
			// Some drivers reject individual rates (tarm/serial on Linux
			// has no 250000), so a failed open only rules out this baud.
			if errors.Is(err, domain.ErrHardware) {
				lastMsg = err.Error()
				e.log.WithFields(logrus.Fields{"port": port, "baud": baud}).WithError(err).Debug("probe open failed")
			}
			continue
		}

		b := baud
		res := Result{Port: port, Baud: &b, Firmware: fw, Success: true, Message: "detected " + fw}
		e.emit(domain.EventScanProgress, domain.ScanProgressData{Port: port, Stage: StageDetected, Baud: baud, Attempt: i + 1, Total: total, Result: res})
		e.log.WithFields(logrus.Fields{"port": port, "baud": baud, "firmware": fw}).Info("controller detected")
		return res, false
	}

	res := Result{Port: port, Success: false, Message: lastMsg}
	e.emit(domain.EventScanProgress, domain.ScanProgressData{Port: port, Stage: StagePortFailed, Total: total, Result: res})
	return res, false
}

// attempt runs one identification exchange. A silent or unrecognised device
// yields ErrTimeout.
func (e *Engine) attempt(ctx context.Context, port string, baud int) (string, error) {
	p, err := e.cfg.Opener.Open(port, baud)
	if err != nil {
		return "", domain.HardwareError("open "+port, err)
	}

	var (
		mu   sync.Mutex
		buf  strings.Builder
		done = make(chan struct{})
		stop = make(chan struct{})
	)
	go func() {
		defer close(done)
		chunk := make([]byte, 256)
		for {
			n, err := p.Read(chunk)
			if n > 0 {
				mu.Lock()
				buf.Write(chunk[:n])
				mu.Unlock()
			}
			select {
			case <-stop:
				return
			default:
			}
			if err != nil && !(errors.Is(err, io.EOF) && n == 0) {
				return
			}
		}
	}()
	finish := func() string {
		close(stop)
		_ = p.Close()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return buf.String()
	}

	if err := sleep(ctx, e.cfg.Settle); err != nil {
		finish()
		return "", err
	}
	for i, cmd := range probeCommands {
		if i > 0 {
			if err := sleep(ctx, e.cfg.Stagger); err != nil {
				finish()
				return "", err
			}
		}
		if _, err := p.Write([]byte(cmd + "\n")); err != nil {
			finish()
			return "", domain.HardwareError("write "+port, err)
		}
	}
	if err := sleep(ctx, e.cfg.Timeout); err != nil {
		finish()
		return "", err
	}

	response := finish()
	fw, ok := Classify(response)
	if !ok {
		return "", domain.ErrTimeout
	}
	return fw.DisplayName(), nil
}

func (e *Engine) emit(t domain.EventType, data any) {
	e.cfg.Emitter.Emit(domain.NewEvent(t, data))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
