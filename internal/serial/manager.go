package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/logging"
)

const readChunkSize = 512

// LineHandler receives each complete line read from the open port. Handlers
// run on the reader goroutine and must not block.
type LineHandler func(portPath, line string)

type ManagerConfig struct {
	Opener  Opener
	Emitter domain.Emitter
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

// Manager owns at most one open port. Every phase change happens under mu
// and is broadcast under the same lock once the new state is in place.
type Manager struct {
	mu       sync.Mutex
	phase    domain.PortPhase
	state    domain.SerialState
	port     Port
	portPath string
	baud     int
	gen      uint64
	probing  bool

	handlersMu  sync.RWMutex
	handlers    map[int]LineHandler
	nextHandler int

	opener  Opener
	emitter domain.Emitter
	log     *logrus.Entry
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		phase:    domain.PortClosed,
		state:    domain.ClosedState(""),
		handlers: make(map[int]LineHandler),
		opener:   cfg.Opener,
		emitter:  cfg.Emitter,
		log:      logging.Component(cfg.Logger, "serial"),
		now:      cfg.Now,
	}
	if m.opener == nil {
		m.opener = TarmOpener{}
	}
	if m.emitter == nil {
		m.emitter = domain.Discard
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Opener returns the opener the manager uses, so a probe can open transient
// handles through the same driver.
func (m *Manager) Opener() Opener { return m.opener }

// Connect opens com at baud. It fails with an already-connected error while
// a port is open or opening and with ErrProbeActive while a scan holds the
// probe lock.
func (m *Manager) Connect(ctx context.Context, com string, baud int, requestID string) (domain.SerialState, error) {
	if com == "" {
		return domain.SerialState{}, domain.ValidationError("com", "is required")
	}
	if baud <= 0 {
		return domain.SerialState{}, domain.ValidationError("baud", "must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.probing {
		return m.state, fmt.Errorf("%w: cannot open %s", domain.ErrProbeActive, com)
	}
	if m.phase != domain.PortClosed {
		return m.state, domain.AlreadyConnectedError(m.portPath)
	}
	if err := ctx.Err(); err != nil {
		return m.state, fmt.Errorf("%w: connect cancelled: %v", domain.ErrTimeout, err)
	}

	if err := m.setPhaseLocked(domain.PortOpening); err != nil {
		return m.state, err
	}
	m.portPath = com

	port, err := m.opener.Open(com, baud)
	if err != nil {
		_ = m.setPhaseLocked(domain.PortClosed)
		m.portPath = ""
		m.state = domain.ClosedState(err.Error())
		m.log.WithFields(logrus.Fields{"port": com, "baud": baud}).WithError(err).Warn("failed to open port")
		m.broadcastLocked()
		return m.state, domain.HardwareError("open "+com, err)
	}

	if err := m.setPhaseLocked(domain.PortOpen); err != nil {
		_ = port.Close()
		return m.state, err
	}
	m.port = port
	m.baud = baud
	m.gen++
	m.state = domain.OpenState(com, baud, m.now().UTC(), requestID)

	m.wg.Add(1)
	go m.readLoop(port, com, m.gen)

	m.log.WithFields(logrus.Fields{"port": com, "baud": baud, "request_id": requestID}).Info("port opened")
	m.broadcastLocked()
	return m.state, nil
}

// Disconnect releases the open port. A second call fails with
// ErrNotConnected and leaves the state untouched.
func (m *Manager) Disconnect(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != domain.PortOpen {
		return fmt.Errorf("%w: no port is open", domain.ErrNotConnected)
	}
	path := m.portPath
	m.closeLocked("")
	m.log.WithFields(logrus.Fields{"port": path, "reason": reason}).Info("port closed")
	return nil
}

// State returns a copy of the current serial state.
func (m *Manager) State() domain.SerialState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Phase() domain.PortPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Generation changes every time a port is opened or closed.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Write sends data to the open port. A failed write closes the port with the
// error recorded.
func (m *Manager) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != domain.PortOpen {
		return fmt.Errorf("%w: no port is open", domain.ErrNotConnected)
	}
	if _, err := m.port.Write(data); err != nil {
		path := m.portPath
		m.log.WithField("port", path).WithError(err).Error("write failed")
		m.closeLocked(err.Error())
		return domain.HardwareError("write "+path, err)
	}
	return nil
}

// WriteLine writes line followed by a newline.
func (m *Manager) WriteLine(line string) error {
	return m.Write([]byte(line + "\n"))
}

// AcquireProbe reserves the port lock for a scan. It fails while a port is
// open or another scan is running. The returned func releases the lock.
func (m *Manager) AcquireProbe() (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.probing {
		return nil, fmt.Errorf("%w: another scan is running", domain.ErrProbeActive)
	}
	if m.phase != domain.PortClosed {
		return nil, domain.AlreadyConnectedError(m.portPath)
	}
	m.probing = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.probing = false
			m.mu.Unlock()
		})
	}, nil
}

func (m *Manager) Probing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probing
}

// OnLine registers h for every line read from the port. The returned func
// removes it.
func (m *Manager) OnLine(h LineHandler) func() {
	m.handlersMu.Lock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[id] = h
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		delete(m.handlers, id)
		m.handlersMu.Unlock()
	}
}

// Close disconnects if needed and waits for the reader goroutine.
func (m *Manager) Close() error {
	err := m.Disconnect("shutdown")
	if errors.Is(err, domain.ErrNotConnected) {
		err = nil
	}
	m.wg.Wait()
	return err
}

func (m *Manager) setPhaseLocked(to domain.PortPhase) error {
	if !domain.CanTransition(m.phase, to) {
		return domain.NewInvalidTransitionError(m.phase, to)
	}
	m.phase = to
	return nil
}

// closeLocked moves open -> closing -> closed, releases the handle and
// broadcasts the closed state carrying errMsg.
func (m *Manager) closeLocked(errMsg string) {
	_ = m.setPhaseLocked(domain.PortClosing)
	m.gen++
	if m.port != nil {
		if err := m.port.Close(); err != nil {
			m.log.WithError(err).Warn("error closing port")
		}
	}
	m.port = nil
	m.portPath = ""
	m.baud = 0
	_ = m.setPhaseLocked(domain.PortClosed)
	m.state = domain.ClosedState(errMsg)
	m.broadcastLocked()
}

func (m *Manager) broadcastLocked() {
	m.emitter.Emit(domain.NewEvent(domain.EventSerialState, m.state))
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.phase == domain.PortOpen
}

func (m *Manager) readLoop(port Port, path string, gen uint64) {
	defer m.wg.Done()

	var lb lineBuffer
	buf := make([]byte, readChunkSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, line := range lb.feed(buf[:n]) {
				m.dispatchLine(path, line)
			}
		}
		if err == nil {
			continue
		}
		if !m.current(gen) {
			return
		}
		if errors.Is(err, io.EOF) && n == 0 {
			// read timeout with no data
			continue
		}

		m.mu.Lock()
		if m.gen == gen && m.phase == domain.PortOpen {
			m.log.WithField("port", path).WithError(err).Error("read failed, closing port")
			m.closeLocked(err.Error())
		}
		m.mu.Unlock()
		return
	}
}

func (m *Manager) dispatchLine(path, line string) {
	m.emitter.Emit(domain.NewEvent(domain.EventSerialData, domain.SerialDataData{PortPath: path, Message: line}))

	m.handlersMu.RLock()
	handlers := make([]LineHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(path, line)
	}
}
