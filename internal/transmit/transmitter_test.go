package transmit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/profile"
	"github.com/ricochet1k/beamlink/internal/serial"
	"github.com/ricochet1k/beamlink/internal/serial/simport"
)

const testPort = "/dev/ttyUSB0"

type eventCounter struct {
	mu     sync.Mutex
	counts map[domain.EventType]int
}

func (c *eventCounter) Emit(e domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[domain.EventType]int{}
	}
	c.counts[e.Type]++
}

func (c *eventCounter) count(t domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

type testEnv struct {
	device *simport.Device
	mgr    *serial.Manager
	tx     *Transmitter
	events *eventCounter
}

func newTestEnv(t *testing.T, dev *simport.Device) *testEnv {
	t.Helper()
	bus := simport.NewBus()
	bus.Add(testPort, dev)

	events := &eventCounter{}
	mgr := serial.NewManager(serial.ManagerConfig{Opener: bus})
	if _, err := mgr.Connect(context.Background(), testPort, 115200, ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	tx := New(Config{
		Port:         mgr,
		MaxInFlight:  8,
		PollInterval: 5 * time.Millisecond,
		Pace:         time.Millisecond,
		Emitter:      events,
	})
	t.Cleanup(func() {
		tx.Close()
		_ = mgr.Close()
	})
	return &testEnv{device: dev, mgr: mgr, tx: tx, events: events}
}

func gcodeLines(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "G1 X%d Y%d F1000\n", i, i)
	}
	return b.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPreprocess(t *testing.T) {
	in := "; header\nG21 ; mm\n\n  (setup) G90  \nM3 S1000 (laser on)\r\n(only comment)\nG0 X0"
	want := []string{"G21", "G90", "M3 S1000", "G0 X0"}
	if diff := cmp.Diff(want, Preprocess(in)); diff != "" {
		t.Errorf("Preprocess mismatch (-want +got):\n%s", diff)
	}
}

func TestIsAck(t *testing.T) {
	for _, line := range []string{"ok", "OK", "ok T:20.0", "<Idle|MPos:0,0,0>"} {
		if !IsAck(line) {
			t.Errorf("IsAck(%q) = false", line)
		}
	}
	for _, line := range []string{"echo:busy", "error:20", "[MSG:Caution]"} {
		if IsAck(line) {
			t.Errorf("IsAck(%q) = true", line)
		}
	}
	if !IsFault("ALARM:1") || !IsFault("error:9") || IsFault("ok") {
		t.Error("IsFault misclassified")
	}
}

func TestBoundedTransmission(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, AckDelay: 3 * time.Millisecond})

	if _, err := env.tx.Start(testPort, gcodeLines(20), "square.gcode"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "job completion", func() bool { return env.events.count(domain.EventGCodeComplete) == 1 })

	snap := env.tx.Snapshot()
	if snap.Status != "idle" || snap.Sent != 20 || snap.Acked != 20 || snap.InFlight != 0 {
		t.Errorf("snapshot = %+v, want idle with 20 sent and acked", snap)
	}
	if got := len(env.device.Lines()); got != 20 {
		t.Errorf("device received %d lines, want 20", got)
	}
	if max := env.device.MaxOutstanding(); max > 8 {
		t.Errorf("device saw %d outstanding lines, window is 8", max)
	}
	if got := env.events.count(domain.EventGCodeProgress); got < 2 {
		t.Errorf("progress events = %d, want at least 2", got)
	}
}

func TestInFlightBound(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, ManualAck: true})

	if _, err := env.tx.Start(testPort, gcodeLines(20), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "window to fill", func() bool { return len(env.device.Lines()) == 8 })

	time.Sleep(30 * time.Millisecond)
	if got := len(env.device.Lines()); got != 8 {
		t.Fatalf("sent %d lines with no acks, want 8", got)
	}
	if snap := env.tx.Snapshot(); snap.InFlight != 8 {
		t.Errorf("in flight = %d, want 8", snap.InFlight)
	}

	for sent := 8; sent < 20; {
		env.device.Ack(3)
		waitFor(t, "window to refill", func() bool { return len(env.device.Lines()) > sent })
		sent = len(env.device.Lines())
		if snap := env.tx.Snapshot(); snap.InFlight > 8 {
			t.Fatalf("in flight = %d exceeds window", snap.InFlight)
		}
	}

	env.device.Ack(20)
	waitFor(t, "job completion", func() bool { return env.tx.Snapshot().Status == "idle" })
	if max := env.device.MaxOutstanding(); max > 8 {
		t.Errorf("device saw %d outstanding lines, window is 8", max)
	}
}

func TestWaitsForDrainBeforeIdle(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, ManualAck: true})

	if _, err := env.tx.Start(testPort, gcodeLines(3), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "all lines sent", func() bool { return len(env.device.Lines()) == 3 })
	time.Sleep(20 * time.Millisecond)
	if snap := env.tx.Snapshot(); snap.Status != "running" {
		t.Fatalf("status = %s before acks drained, want running", snap.Status)
	}

	env.device.Ack(3)
	waitFor(t, "idle", func() bool { return env.tx.Snapshot().Status == "idle" })
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, ManualAck: true})

	if _, err := env.tx.Start(testPort, gcodeLines(12), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "window to fill", func() bool { return len(env.device.Lines()) == 8 })

	if err := env.tx.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	env.device.Ack(8)
	time.Sleep(30 * time.Millisecond)
	if got := len(env.device.Lines()); got != 8 {
		t.Fatalf("sent %d lines while paused, want 8", got)
	}

	if err := env.tx.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitFor(t, "remaining lines", func() bool { return len(env.device.Lines()) == 12 })
	env.device.Ack(4)
	waitFor(t, "idle", func() bool { return env.tx.Snapshot().Status == "idle" })

	if env.events.count(domain.EventGCodePaused) != 1 || env.events.count(domain.EventGCodeResumed) != 1 {
		t.Error("expected one paused and one resumed event")
	}
	if err := env.tx.Resume(); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Resume with no paused job err = %v", err)
	}
}

func TestStop(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, ManualAck: true})

	if _, err := env.tx.Start(testPort, gcodeLines(20), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "window to fill", func() bool { return len(env.device.Lines()) == 8 })

	if err := env.tx.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	env.device.Ack(8)
	time.Sleep(30 * time.Millisecond)
	if got := len(env.device.Lines()); got != 8 {
		t.Errorf("sent %d lines after stop, want 8", got)
	}
	if snap := env.tx.Snapshot(); snap.Status != "stopped" {
		t.Errorf("status = %s, want stopped", snap.Status)
	}
}

func TestRestartAfterStopKeepsWindow(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, ManualAck: true})

	if _, err := env.tx.Start(testPort, gcodeLines(20), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "window to fill", func() bool { return env.device.Outstanding() == 8 })
	if err := env.tx.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	snap, err := env.tx.Start(testPort, gcodeLines(20), "")
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if snap.InFlight != 8 {
		t.Errorf("restarted job in flight = %d, want 8 carried over", snap.InFlight)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(env.device.Lines()); got != 8 {
		t.Fatalf("sent %d lines before any ack, want 8", got)
	}

	for sent := 8; sent < 28; {
		env.device.Ack(3)
		waitFor(t, "window to refill", func() bool { return len(env.device.Lines()) > sent })
		sent = len(env.device.Lines())
		if out := env.device.Outstanding(); out > 8 {
			t.Fatalf("device holds %d unacked lines", out)
		}
	}

	env.device.Ack(20)
	waitFor(t, "job completion", func() bool { return env.tx.Snapshot().Status == "idle" })
	if max := env.device.MaxOutstanding(); max > 8 {
		t.Errorf("device saw %d outstanding lines, window is 8", max)
	}
}

func TestEmergencyStopClearsWindow(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, ManualAck: true})

	if _, err := env.tx.Start(testPort, gcodeLines(20), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "window to fill", func() bool { return len(env.device.Lines()) == 8 })
	if err := env.tx.EmergencyStop(testPort, profile.FirmwareGRBL); err != nil {
		t.Fatalf("EmergencyStop failed: %v", err)
	}

	snap, err := env.tx.Start(testPort, gcodeLines(2), "")
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if snap.InFlight != 0 {
		t.Errorf("in flight after emergency stop = %d, want 0", snap.InFlight)
	}
	waitFor(t, "lines after emergency stop", func() bool { return len(env.device.Lines()) == 10 })
}

func TestEmergencyStop_GRBL(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, ManualAck: true})

	if _, err := env.tx.Start(testPort, gcodeLines(20), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "window to fill", func() bool { return len(env.device.Lines()) == 8 })

	if err := env.tx.EmergencyStop(testPort, profile.FirmwareGRBL); err != nil {
		t.Fatalf("EmergencyStop failed: %v", err)
	}
	sentAtStop := len(env.device.Lines())

	env.device.Ack(8)
	time.Sleep(40 * time.Millisecond)

	if got := len(env.device.Lines()); got != sentAtStop {
		t.Errorf("lines after emergency stop = %d, want %d", got, sentAtStop)
	}
	if diff := cmp.Diff([]byte{0x18}, env.device.Realtime()); diff != "" {
		t.Errorf("kill sequence mismatch (-want +got):\n%s", diff)
	}
	if snap := env.tx.Snapshot(); snap.Status != "stopped" {
		t.Errorf("status = %s, want stopped", snap.Status)
	}
	if env.events.count(domain.EventEmergencyStop) != 1 {
		t.Error("expected one emergency_stop event")
	}
}

func TestEmergencyStop_Marlin(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareMarlin, ManualAck: true})

	if _, err := env.tx.Start(testPort, gcodeLines(20), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "window to fill", func() bool { return len(env.device.Lines()) == 8 })

	if err := env.tx.EmergencyStop(testPort, profile.FirmwareMarlin); err != nil {
		t.Fatal(err)
	}
	env.device.Ack(8)
	time.Sleep(40 * time.Millisecond)

	lines := env.device.Lines()
	m112 := 0
	for _, l := range lines {
		if l == "M112" {
			m112++
		}
	}
	if m112 != 1 || len(lines) != 9 {
		t.Errorf("lines = %v, want 8 job lines and one M112", lines)
	}
}

func TestControllerErrorsReleaseSlots(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Respond: func(string) []string { return []string{"error:2"} }})

	if _, err := env.tx.Start(testPort, gcodeLines(10), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "idle", func() bool { return env.tx.Snapshot().Status == "idle" })
	if got := env.events.count(domain.EventGCodeError); got != 10 {
		t.Errorf("gcode_error events = %d, want 10", got)
	}
}

func TestWriteFailureAbortsJob(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, ManualAck: true})

	if _, err := env.tx.Start(testPort, gcodeLines(20), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "window to fill", func() bool { return len(env.device.Lines()) == 8 })
	env.device.Unplug()
	waitFor(t, "port closed", func() bool { return env.mgr.Phase() == domain.PortClosed })
	env.device.Ack(8)

	waitFor(t, "job error", func() bool { return env.tx.Snapshot().Status == "error" })
	if env.events.count(domain.EventGCodeError) == 0 {
		t.Error("expected gcode_error")
	}
}

func TestStartRejectsEmptyAndConcurrentJobs(t *testing.T) {
	env := newTestEnv(t, &simport.Device{Firmware: simport.FirmwareGRBL, ManualAck: true})

	if _, err := env.tx.Start(testPort, "; nothing\n\n", ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty job err = %v, want validation", err)
	}
	if _, err := env.tx.Start(testPort, gcodeLines(2), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.tx.Start(testPort, gcodeLines(2), ""); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("second job err = %v, want busy", err)
	}
}
