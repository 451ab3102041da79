package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/logging"
	"github.com/ricochet1k/beamlink/internal/profile"
	"github.com/ricochet1k/beamlink/internal/realtime"
	"github.com/ricochet1k/beamlink/internal/token"
	apiTypes "github.com/ricochet1k/beamlink/pkg/api"
)

// TokenVerifier checks a session token against the connection's origin.
type TokenVerifier interface {
	VerifyFor(raw, origin string) (*token.Claims, error)
}

// SerialPort is the part of serial.Manager a session drives.
type SerialPort interface {
	Connect(ctx context.Context, com string, baud int, requestID string) (domain.SerialState, error)
	Disconnect(reason string) error
	State() domain.SerialState
	WriteLine(line string) error
}

// PortLister enumerates candidate device paths.
type PortLister interface {
	ListPorts() []string
}

// Jobs is the part of transmit.Transmitter a session drives.
type Jobs interface {
	Start(portPath, gcode, filename string) (domain.JobSnapshot, error)
	Pause() error
	Resume() error
	Stop() error
	EmergencyStop(portPath string, fw profile.Firmware) error
	Snapshot() domain.JobSnapshot
}

type Deps struct {
	Tokens   TokenVerifier
	Serial   SerialPort
	Ports    PortLister
	Jobs     Jobs
	Profiles *profile.Catalog
	Logger   logrus.FieldLogger
}

// SessionData describes the grant an authenticated connection holds.
type SessionData struct {
	Origin    string    `json:"origin"`
	Com       string    `json:"com"`
	Baud      int       `json:"baud"`
	RequestID string    `json:"requestId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type AuthSuccess struct {
	Status          string            `json:"status"`
	ConnectedPorts  []string          `json:"connectedPorts"`
	MachineProfiles []profile.Profile `json:"machineProfiles"`
	CurrentProfile  profile.Profile   `json:"currentProfile"`
	SessionData     SessionData       `json:"sessionData"`
}

// Session is one control channel connection. Handle runs on the
// connection's reader goroutine; Translate runs on its writer.
type Session struct {
	origin string
	obs    *realtime.Observer
	deps   Deps
	log    *logrus.Entry

	mu       sync.Mutex
	claims   *token.Claims
	profile  profile.Profile
	lastPort string
}

func NewSession(origin string, obs *realtime.Observer, deps Deps) *Session {
	return &Session{
		origin:  origin,
		obs:     obs,
		deps:    deps,
		log:     logging.Component(deps.Logger, "control").WithFields(logrus.Fields{"origin": origin, "observer": obs.ID()}),
		profile: deps.Profiles.Default(),
	}
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims != nil
}

// Handle processes one inbound frame. It returns false when the connection
// must be closed after pending replies are flushed.
func (s *Session) Handle(ctx context.Context, raw []byte) bool {
	msg, err := Decode(raw)
	if err != nil {
		s.reply(ErrorOut(err.Error()))
		return true
	}

	if auth, ok := msg.(Authenticate); ok {
		return s.authenticate(auth)
	}

	s.mu.Lock()
	claims := s.claims
	s.mu.Unlock()
	if claims == nil {
		s.reply(ErrorOut("authentication required"))
		return true
	}

	if err := s.dispatch(ctx, claims, msg); err != nil {
		s.log.WithField("type", msg.Type()).WithError(err).Debug("control request failed")
		s.reply(ErrorOut(err.Error()))
	}
	return true
}

func (s *Session) authenticate(m Authenticate) bool {
	if s.Authenticated() {
		s.reply(ErrorOut("already authenticated"))
		return true
	}

	claims, err := s.deps.Tokens.VerifyFor(m.Token, s.origin)
	if err != nil {
		s.log.WithError(err).Warn("control channel authentication failed")
		s.reply(Out(OutAuthFailed, map[string]string{"message": err.Error()}))
		s.obs.Reply(CloseFrame{Code: websocket.ClosePolicyViolation, Text: "authentication failed"})
		return false
	}

	s.mu.Lock()
	s.claims = claims
	current := s.profile
	s.mu.Unlock()

	state := s.deps.Serial.State()
	connected := []string{}
	if state.Connected {
		connected = append(connected, state.PortName())
		s.setLastPort(state.PortName())
	}

	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	s.reply(Out(OutAuthSuccess, AuthSuccess{
		Status:          "authenticated",
		ConnectedPorts:  connected,
		MachineProfiles: s.deps.Profiles.List(),
		CurrentProfile:  current,
		SessionData: SessionData{
			Origin:    claims.Origin,
			Com:       claims.Com,
			Baud:      claims.Baud,
			RequestID: claims.ID,
			ExpiresAt: expires,
		},
	}))

	s.obs.Subscribe([]string{domain.TopicSerial, domain.TopicJob})
	s.log.WithFields(logrus.Fields{"com": claims.Com, "baud": claims.Baud}).Info("control channel authenticated")
	return true
}

func (s *Session) dispatch(ctx context.Context, claims *token.Claims, msg Message) error {
	switch m := msg.(type) {
	case ListPorts:
		s.reply(Out(OutPortsList, map[string][]string{"ports": s.deps.Ports.ListPorts()}))
		return nil

	case Connect:
		if err := checkPort(claims, m.PortPath); err != nil {
			return err
		}
		if m.ProfileName != "" {
			if err := s.selectProfile(m.ProfileName); err != nil {
				return err
			}
		}
		_, err := s.deps.Serial.Connect(ctx, claims.Com, claims.Baud, claims.ID)
		return err

	case Disconnect:
		if m.PortPath != "" {
			if err := checkPort(claims, m.PortPath); err != nil {
				return err
			}
		}
		return s.deps.Serial.Disconnect("control channel request")

	case SendCommand:
		if err := checkPort(claims, m.PortPath); err != nil {
			return err
		}
		if m.Command == "" {
			return domain.ValidationError("command", "is required")
		}
		if err := s.deps.Serial.WriteLine(m.Command); err != nil {
			return err
		}
		s.reply(Out(OutCommandSent, map[string]string{"portPath": claims.Com, "command": m.Command}))
		return nil

	case SendGCode:
		if err := checkPort(claims, m.PortPath); err != nil {
			return err
		}
		if !s.deps.Serial.State().Connected {
			return fmt.Errorf("%w: open the port before sending G-code", domain.ErrNotConnected)
		}
		_, err := s.deps.Jobs.Start(claims.Com, m.GCode, m.Filename)
		return err

	case SetMachineProfile:
		return s.selectProfile(m.ProfileName)

	case EmergencyStop:
		s.mu.Lock()
		fw := s.profile.FirmwareType
		s.mu.Unlock()
		return s.deps.Jobs.EmergencyStop(claims.Com, fw)

	case PauseGCode:
		return s.deps.Jobs.Pause()
	case ResumeGCode:
		return s.deps.Jobs.Resume()
	case StopGCode:
		return s.deps.Jobs.Stop()

	case Unknown:
		return fmt.Errorf("unknown message type: %s", m.Name)
	default:
		return fmt.Errorf("unsupported message type: %s", msg.Type())
	}
}

func (s *Session) selectProfile(name string) error {
	p, ok := s.deps.Profiles.Get(name)
	if !ok {
		return fmt.Errorf("%w: machine profile %q", domain.ErrNotFound, name)
	}
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	s.reply(Out(OutProfileSet, map[string]any{"profile": p}))
	return nil
}

// checkPort enforces the session binding: a token grants exactly one port.
func checkPort(claims *token.Claims, portPath string) error {
	if portPath == "" {
		return domain.ValidationError("portPath", "is required")
	}
	if portPath != claims.Com {
		return fmt.Errorf("%w: session is bound to %s, not %s", domain.ErrAuth, claims.Com, portPath)
	}
	return nil
}

func (s *Session) reply(out apiTypes.ControlOutbound) {
	if !s.obs.Reply(out) {
		s.log.WithField("type", out.Type).Warn("reply dropped, observer closed or full")
	}
}

func (s *Session) setLastPort(p string) {
	s.mu.Lock()
	s.lastPort = p
	s.mu.Unlock()
}

// Translate maps a hub event onto the control channel vocabulary. False
// means the event is not forwarded.
func (s *Session) Translate(e domain.Event) (apiTypes.ControlOutbound, bool) {
	switch e.Type {
	case domain.EventSerialState:
		st, ok := e.Data.(domain.SerialState)
		if !ok {
			return apiTypes.ControlOutbound{}, false
		}
		if st.Connected {
			s.setLastPort(st.PortName())
			return Out(OutPortConnected, map[string]any{"portPath": st.PortName(), "baud": st.BaudRate(), "state": st}), true
		}
		s.mu.Lock()
		last := s.lastPort
		s.mu.Unlock()
		if st.Error != nil {
			return Out(OutPortError, map[string]any{"portPath": last, "message": *st.Error, "state": st}), true
		}
		return Out(OutPortDisconnected, map[string]any{"portPath": last, "state": st}), true

	case domain.EventSerialData,
		domain.EventGCodeStart, domain.EventGCodeProgress, domain.EventGCodeComplete,
		domain.EventGCodeError, domain.EventGCodePaused, domain.EventGCodeResumed,
		domain.EventGCodeStopped, domain.EventEmergencyStop:
		return Out(e.Type.String(), e.Data), true
	}
	return apiTypes.ControlOutbound{}, false
}
