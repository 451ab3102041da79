// Package transmit streams G-code to the open port under a bounded window of
// unacknowledged commands.
package transmit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/logging"
	"github.com/ricochet1k/beamlink/internal/profile"
	"github.com/ricochet1k/beamlink/internal/serial"
)

const (
	DefaultMaxInFlight   = 8
	DefaultPollInterval  = 50 * time.Millisecond
	DefaultPace          = 5 * time.Millisecond
	DefaultProgressEvery = 10
)

// Port is the part of serial.Manager the transmitter writes through.
type Port interface {
	Write(data []byte) error
	OnLine(h serial.LineHandler) func()
	Phase() domain.PortPhase
	Generation() uint64
}

type Config struct {
	Port          Port
	MaxInFlight   int
	PollInterval  time.Duration
	Pace          time.Duration
	ProgressEvery int
	Emitter       domain.Emitter
	Logger        logrus.FieldLogger
}

type job struct {
	id       string
	portPath string
	filename string
	lines    []string

	current  int
	inFlight int
	sent     int
	acked    int
	status   domain.JobStatus
	err      string

	stop chan struct{}
}

// Transmitter runs at most one job at a time. mu guards job state and is
// held across every write, so EmergencyStop cannot interleave with a send.
type Transmitter struct {
	mu  sync.Mutex
	job *job

	// outstanding counts lines the controller holds without an ack. It
	// outlives a stopped job and is reset when the port generation changes.
	outstanding int
	portGen     uint64

	port          Port
	maxInFlight   int
	poll          time.Duration
	pace          time.Duration
	progressEvery int
	emitter       domain.Emitter
	log           *logrus.Entry

	unsubscribe func()
	wg          sync.WaitGroup
}

func New(cfg Config) *Transmitter {
	t := &Transmitter{
		port:          cfg.Port,
		maxInFlight:   cfg.MaxInFlight,
		poll:          cfg.PollInterval,
		pace:          cfg.Pace,
		progressEvery: cfg.ProgressEvery,
		emitter:       cfg.Emitter,
		log:           logging.Component(cfg.Logger, "transmit"),
	}
	if t.maxInFlight <= 0 {
		t.maxInFlight = DefaultMaxInFlight
	}
	if t.poll <= 0 {
		t.poll = DefaultPollInterval
	}
	if t.pace <= 0 {
		t.pace = DefaultPace
	}
	if t.progressEvery <= 0 {
		t.progressEvery = DefaultProgressEvery
	}
	if t.emitter == nil {
		t.emitter = domain.Discard
	}
	t.unsubscribe = t.port.OnLine(t.handleLine)
	return t
}

func (t *Transmitter) MaxInFlight() int { return t.maxInFlight }

// Start begins streaming gcode to portPath on a new goroutine.
func (t *Transmitter) Start(portPath, gcode, filename string) (domain.JobSnapshot, error) {
	lines := Preprocess(gcode)
	if len(lines) == 0 {
		return domain.JobSnapshot{}, domain.ValidationError("gcode", "contains no commands")
	}

	t.mu.Lock()
	if t.job != nil && t.job.status.Active() {
		t.mu.Unlock()
		return domain.JobSnapshot{}, fmt.Errorf("%w: job %s is still running", domain.ErrBusy, t.job.id)
	}
	t.syncGenerationLocked()
	j := &job{
		id:       uuid.NewString(),
		portPath: portPath,
		filename: filename,
		lines:    lines,
		inFlight: t.outstanding,
		status:   domain.JobRunning,
		stop:     make(chan struct{}),
	}
	t.job = j
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{"job_id": j.id, "lines": len(lines), "filename": filename}).Info("job started")
	t.emit(domain.EventGCodeStart, j, "")

	t.wg.Add(1)
	go t.run(j)
	return snap, nil
}

func (t *Transmitter) run(j *job) {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		t.syncGenerationLocked()
		j.inFlight = t.outstanding
		switch {
		case j.status == domain.JobStopped || j.status == domain.JobError:
			t.mu.Unlock()
			return

		case t.port.Phase() != domain.PortOpen:
			j.status = domain.JobError
			j.err = "port closed"
			t.mu.Unlock()
			t.log.WithField("job_id", j.id).Error("job aborted, port closed")
			t.emit(domain.EventGCodeError, j, "port closed")
			return

		case j.status == domain.JobPaused, j.inFlight >= t.maxInFlight:
			t.mu.Unlock()
			if !t.wait(j, t.poll) {
				return
			}
			continue

		case j.current >= len(j.lines):
			if j.inFlight > 0 {
				t.mu.Unlock()
				if !t.wait(j, t.poll) {
					return
				}
				continue
			}
			j.status = domain.JobIdle
			t.mu.Unlock()
			t.log.WithFields(logrus.Fields{"job_id": j.id, "sent": j.sent}).Info("job complete")
			t.emit(domain.EventGCodeProgress, j, "")
			t.emit(domain.EventGCodeComplete, j, "")
			return
		}

		line := j.lines[j.current]
		if err := t.port.Write([]byte(line + "\n")); err != nil {
			j.status = domain.JobError
			j.err = err.Error()
			t.mu.Unlock()
			t.log.WithField("job_id", j.id).WithError(err).Error("job aborted by write failure")
			t.emit(domain.EventGCodeError, j, err.Error())
			return
		}
		t.outstanding++
		j.inFlight = t.outstanding
		j.sent++
		j.current++
		progress := j.current%t.progressEvery == 0 && j.current < len(j.lines)
		t.mu.Unlock()

		if progress {
			t.emit(domain.EventGCodeProgress, j, "")
		}
		if !t.wait(j, t.pace) {
			return
		}
	}
}

// wait sleeps for d; false when the job was stopped meanwhile.
func (t *Transmitter) wait(j *job, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-j.stop:
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transmitter) handleLine(_ string, line string) {
	ack := IsAck(line)
	fault := !ack && IsFault(line)
	if !ack && !fault {
		return
	}

	t.mu.Lock()
	if t.outstanding > 0 {
		t.outstanding--
	}
	j := t.job
	if j == nil || !j.status.Active() {
		t.mu.Unlock()
		return
	}
	j.inFlight = t.outstanding
	j.acked++
	t.mu.Unlock()

	if fault {
		t.log.WithFields(logrus.Fields{"job_id": j.id, "reply": line}).Warn("controller reported an error")
		t.emit(domain.EventGCodeError, j, line)
	}
}

// Pause holds further sends until Resume.
func (t *Transmitter) Pause() error {
	t.mu.Lock()
	j := t.job
	if j == nil || j.status != domain.JobRunning {
		t.mu.Unlock()
		return fmt.Errorf("%w: no running job", domain.ErrNotFound)
	}
	j.status = domain.JobPaused
	t.mu.Unlock()

	t.emit(domain.EventGCodePaused, j, "")
	return nil
}

func (t *Transmitter) Resume() error {
	t.mu.Lock()
	j := t.job
	if j == nil || j.status != domain.JobPaused {
		t.mu.Unlock()
		return fmt.Errorf("%w: no paused job", domain.ErrNotFound)
	}
	j.status = domain.JobRunning
	t.mu.Unlock()

	t.emit(domain.EventGCodeResumed, j, "")
	return nil
}

// Stop ends the current job. Lines already sent are not recalled and keep
// their slots in the window until the controller acknowledges them.
func (t *Transmitter) Stop() error {
	t.mu.Lock()
	j := t.job
	if j == nil || !j.status.Active() {
		t.mu.Unlock()
		return fmt.Errorf("%w: no active job", domain.ErrNotFound)
	}
	t.stopLocked(j)
	t.mu.Unlock()

	t.log.WithField("job_id", j.id).Info("job stopped")
	t.emit(domain.EventGCodeStopped, j, "")
	return nil
}

// EmergencyStop sends the firmware kill sequence outside the queue and
// forces any job to stopped. No job line is written after it returns.
func (t *Transmitter) EmergencyStop(portPath string, fw profile.Firmware) error {
	seq := fw.EmergencySequence()

	t.mu.Lock()
	j := t.job
	stopped := false
	if j != nil && j.status.Active() {
		t.stopLocked(j)
		stopped = true
	}
	err := t.port.Write(seq)
	// The kill sequence flushes the controller's planner buffer.
	t.outstanding = 0
	if j != nil {
		j.inFlight = 0
	}
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{"port": portPath, "firmware": string(fw)}).Warn("emergency stop")
	if stopped {
		t.emit(domain.EventGCodeStopped, j, "emergency stop")
	}
	t.emitter.Emit(domain.NewEvent(domain.EventEmergencyStop, domain.EmergencyStopData{
		PortPath: portPath,
		Firmware: string(fw),
		Sequence: fmt.Sprintf("%q", seq),
	}))
	return err
}

func (t *Transmitter) syncGenerationLocked() {
	if gen := t.port.Generation(); gen != t.portGen {
		t.portGen = gen
		t.outstanding = 0
	}
}

func (t *Transmitter) stopLocked(j *job) {
	j.status = domain.JobStopped
	select {
	case <-j.stop:
	default:
		close(j.stop)
	}
}

// Snapshot returns the current or most recent job.
func (t *Transmitter) Snapshot() domain.JobSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Transmitter) snapshotLocked() domain.JobSnapshot {
	j := t.job
	if j == nil {
		return domain.JobSnapshot{Status: domain.JobIdle.String(), MaxInFlight: t.maxInFlight}
	}
	return domain.JobSnapshot{
		ID:          j.id,
		PortPath:    j.portPath,
		Filename:    j.filename,
		TotalLines:  len(j.lines),
		CurrentLine: j.current,
		InFlight:    j.inFlight,
		MaxInFlight: t.maxInFlight,
		Sent:        j.sent,
		Acked:       j.acked,
		Status:      j.status.String(),
		Error:       j.err,
	}
}

// Close stops any job, waits for its goroutine and detaches from the port.
func (t *Transmitter) Close() {
	_ = t.Stop()
	t.wg.Wait()
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

func (t *Transmitter) emit(et domain.EventType, j *job, msg string) {
	t.mu.Lock()
	data := domain.JobEventData{
		JobID:       j.id,
		PortPath:    j.portPath,
		Filename:    j.filename,
		CurrentLine: j.current,
		TotalLines:  len(j.lines),
		InFlight:    j.inFlight,
		Status:      j.status.String(),
		Message:     msg,
	}
	t.mu.Unlock()
	t.emitter.Emit(domain.NewEvent(et, data))
}
