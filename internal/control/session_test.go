package control

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/profile"
	"github.com/ricochet1k/beamlink/internal/realtime"
	"github.com/ricochet1k/beamlink/internal/serial"
	"github.com/ricochet1k/beamlink/internal/serial/simport"
	"github.com/ricochet1k/beamlink/internal/token"
	"github.com/ricochet1k/beamlink/internal/transmit"
	apiTypes "github.com/ricochet1k/beamlink/pkg/api"
)

const (
	testOrigin = "https://cad.example.dev"
	testPort   = "/dev/ttyUSB0"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		raw  string
		want Message
	}{
		{`{"type":"authenticate","payload":{"token":"abc"}}`, Authenticate{Token: "abc"}},
		{`{"type":"list_ports"}`, ListPorts{}},
		{`{"type":"connect","payload":{"portPath":"COM3","profileName":"grbl"}}`, Connect{PortPath: "COM3", ProfileName: "grbl"}},
		{`{"type":"send_gcode","payload":{"portPath":"COM3","gcode":"G0 X1","filename":"a.nc"}}`, SendGCode{PortPath: "COM3", GCode: "G0 X1", Filename: "a.nc"}},
		{`{"type":"emergency_stop","payload":null}`, EmergencyStop{}},
		{`{"type":"stop_gcode"}`, StopGCode{}},
		{`{"type":"reticulate"}`, Unknown{Name: "reticulate"}},
	}
	for _, c := range cases {
		got, err := Decode([]byte(c.raw))
		if err != nil {
			t.Errorf("Decode(%s) error: %v", c.raw, err)
			continue
		}
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("Decode(%s) mismatch (-want +got):\n%s", c.raw, diff)
		}
	}

	for _, raw := range []string{`not json`, `{"payload":{}}`, `{"type":"connect","payload":{"portPath":3}}`} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Decode(%s) err = %v, want validation", raw, err)
		}
	}
}

type testEnv struct {
	issuer  *token.Issuer
	device  *simport.Device
	mgr     *serial.Manager
	hub     *realtime.Hub
	obs     *realtime.Observer
	session *Session
	frames  chan realtime.Frame
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := simport.NewBus()
	dev := bus.Add(testPort, &simport.Device{Baud: 115200, Firmware: simport.FirmwareGRBL})

	hub := realtime.NewHub(nil)
	mgr := serial.NewManager(serial.ManagerConfig{Opener: bus, Emitter: hub})
	tx := transmit.New(transmit.Config{Port: mgr, PollInterval: 5 * time.Millisecond, Pace: time.Millisecond, Emitter: hub})
	issuer, err := token.NewIssuer("control-test", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	obs := hub.NewObserver()
	sess := NewSession(testOrigin, obs, Deps{
		Tokens:   issuer,
		Serial:   mgr,
		Ports:    bus,
		Jobs:     tx,
		Profiles: profile.NewCatalog(""),
	})

	frames := make(chan realtime.Frame, 256)
	go hub.Serve(obs, func(f realtime.Frame) error {
		frames <- f
		return nil
	})

	t.Cleanup(func() {
		tx.Close()
		_ = mgr.Close()
		hub.Close()
	})
	return &testEnv{issuer: issuer, device: dev, mgr: mgr, hub: hub, obs: obs, session: sess, frames: frames}
}

// next returns the next outbound control message, translating hub events the
// way the connection writer does.
func (e *testEnv) next(t *testing.T) apiTypes.ControlOutbound {
	t.Helper()
	for {
		select {
		case f := <-e.frames:
			if f.Event != nil {
				if out, ok := e.session.Translate(*f.Event); ok {
					return out
				}
				continue
			}
			if out, ok := f.Reply.(apiTypes.ControlOutbound); ok {
				return out
			}
			if cf, ok := f.Reply.(CloseFrame); ok {
				return apiTypes.ControlOutbound{Type: "close", Data: cf}
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for control message")
		}
	}
}

// expect skips messages until one of type typ arrives.
func (e *testEnv) expect(t *testing.T, typ string) apiTypes.ControlOutbound {
	t.Helper()
	for {
		out := e.next(t)
		if out.Type == typ {
			return out
		}
	}
}

func (e *testEnv) send(t *testing.T, raw string) bool {
	t.Helper()
	return e.session.Handle(context.Background(), []byte(raw))
}

func (e *testEnv) authenticate(t *testing.T) {
	t.Helper()
	raw, _, err := e.issuer.IssueFor("req-1", testOrigin, testPort, 115200)
	if err != nil {
		t.Fatal(err)
	}
	if !e.send(t, `{"type":"authenticate","payload":{"token":"`+raw+`"}}`) {
		t.Fatal("authenticate closed the channel")
	}
	out := e.next(t)
	if out.Type != OutAuthSuccess {
		t.Fatalf("reply = %+v, want auth_success", out)
	}
}

func errorMessage(out apiTypes.ControlOutbound) string {
	m, _ := out.Data.(map[string]string)
	return m["message"]
}

func TestSession_RequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	if !env.send(t, `{"type":"list_ports"}`) {
		t.Fatal("pre-auth request closed the channel")
	}
	out := env.next(t)
	if out.Type != OutError || errorMessage(out) != "authentication required" {
		t.Fatalf("reply = %+v", out)
	}
}

func TestSession_AuthFailsForOtherOrigin(t *testing.T) {
	env := newTestEnv(t)
	raw, _, err := env.issuer.Issue("https://evil.example.dev", testPort, 115200)
	if err != nil {
		t.Fatal(err)
	}

	if env.send(t, `{"type":"authenticate","payload":{"token":"`+raw+`"}}`) {
		t.Fatal("failed authentication kept the channel open")
	}
	if out := env.next(t); out.Type != OutAuthFailed {
		t.Fatalf("reply = %+v, want auth_failed", out)
	}
	if out := env.next(t); out.Type != "close" {
		t.Fatalf("reply = %+v, want close frame", out)
	}
	if env.session.Authenticated() {
		t.Error("session authenticated after failure")
	}
}

func TestSession_AuthSuccessPayload(t *testing.T) {
	env := newTestEnv(t)
	raw, _, _ := env.issuer.IssueFor("req-9", testOrigin, testPort, 115200)

	env.send(t, `{"type":"authenticate","payload":{"token":"`+raw+`"}}`)
	out := env.next(t)
	auth, ok := out.Data.(AuthSuccess)
	if !ok {
		t.Fatalf("auth_success data = %T", out.Data)
	}
	if auth.Status != "authenticated" || auth.SessionData.Com != testPort || auth.SessionData.RequestID != "req-9" {
		t.Errorf("auth_success = %+v", auth)
	}
	if len(auth.MachineProfiles) != 3 || auth.CurrentProfile.Name != "grbl" {
		t.Errorf("profiles = %d, current = %q", len(auth.MachineProfiles), auth.CurrentProfile.Name)
	}
	if len(auth.ConnectedPorts) != 0 {
		t.Errorf("connectedPorts = %v", auth.ConnectedPorts)
	}

	env.send(t, `{"type":"authenticate","payload":{"token":"`+raw+`"}}`)
	if out := env.next(t); out.Type != OutError {
		t.Errorf("second authenticate = %+v, want error", out)
	}
}

func TestSession_ConnectIsBoundToToken(t *testing.T) {
	env := newTestEnv(t)
	env.authenticate(t)

	env.send(t, `{"type":"connect","payload":{"portPath":"/dev/ttyUSB9"}}`)
	out := env.next(t)
	if out.Type != OutError || !strings.Contains(errorMessage(out), "bound to") {
		t.Fatalf("connect to other port = %+v", out)
	}
	if env.mgr.State().Connected {
		t.Fatal("port opened for a port the token does not grant")
	}

	env.send(t, `{"type":"connect","payload":{"portPath":"`+testPort+`"}}`)
	out = env.expect(t, OutPortConnected)
	data := out.Data.(map[string]any)
	if data["portPath"] != testPort || data["baud"] != 115200 {
		t.Errorf("port_connected = %+v", data)
	}
	st := env.mgr.State()
	if st.ByRequestID == nil || *st.ByRequestID != "req-1" {
		t.Errorf("byRequestId = %v, want req-1", st.ByRequestID)
	}

	env.send(t, `{"type":"disconnect","payload":{"portPath":"`+testPort+`"}}`)
	out = env.expect(t, OutPortDisconnected)
	if out.Data.(map[string]any)["portPath"] != testPort {
		t.Errorf("port_disconnected = %+v", out.Data)
	}
}

func TestSession_SendCommandAndProfile(t *testing.T) {
	env := newTestEnv(t)
	env.authenticate(t)
	env.send(t, `{"type":"connect","payload":{"portPath":"`+testPort+`"}}`)
	env.expect(t, OutPortConnected)

	env.send(t, `{"type":"send_command","payload":{"portPath":"`+testPort+`","command":"$H"}}`)
	out := env.expect(t, OutCommandSent)
	if out.Data.(map[string]string)["command"] != "$H" {
		t.Errorf("command_sent = %+v", out.Data)
	}
	lines := env.device.Lines()
	if len(lines) == 0 || lines[len(lines)-1] != "$H" {
		t.Errorf("device lines = %v", lines)
	}

	env.send(t, `{"type":"set_machine_profile","payload":{"profileName":"marlin"}}`)
	if out := env.expect(t, OutProfileSet); out.Data.(map[string]any)["profile"].(profile.Profile).Name != "marlin" {
		t.Errorf("profile_set = %+v", out.Data)
	}

	env.send(t, `{"type":"set_machine_profile","payload":{"profileName":"nope"}}`)
	if out := env.expect(t, OutError); !strings.Contains(errorMessage(out), "not found") {
		t.Errorf("unknown profile error = %+v", out)
	}
}

func TestSession_SendGCodeStreamsJob(t *testing.T) {
	env := newTestEnv(t)
	env.authenticate(t)

	env.send(t, `{"type":"send_gcode","payload":{"portPath":"`+testPort+`","gcode":"G0 X1"}}`)
	if out := env.expect(t, OutError); !strings.Contains(errorMessage(out), "not connected") {
		t.Fatalf("send_gcode before connect = %+v", out)
	}

	env.send(t, `{"type":"connect","payload":{"portPath":"`+testPort+`"}}`)
	env.expect(t, OutPortConnected)

	env.send(t, `{"type":"send_gcode","payload":{"portPath":"`+testPort+`","gcode":"G0 X1\nG0 X2\nG0 X3","filename":"square.nc"}}`)
	start := env.expect(t, "gcode_start")
	if d := start.Data.(domain.JobEventData); d.TotalLines != 3 || d.Filename != "square.nc" {
		t.Errorf("gcode_start = %+v", d)
	}
	env.expect(t, "gcode_complete")
}

func TestSession_EmergencyStopUsesSelectedFirmware(t *testing.T) {
	env := newTestEnv(t)
	env.authenticate(t)
	env.send(t, `{"type":"connect","payload":{"portPath":"`+testPort+`"}}`)
	env.expect(t, OutPortConnected)

	env.send(t, `{"type":"emergency_stop"}`)
	out := env.expect(t, "emergency_stop")
	if d := out.Data.(domain.EmergencyStopData); d.Firmware != "grbl" {
		t.Errorf("emergency_stop = %+v", d)
	}
	if rt := env.device.Realtime(); len(rt) != 1 || rt[0] != 0x18 {
		t.Errorf("realtime bytes = %v, want [0x18]", rt)
	}
}

func TestSession_UnknownType(t *testing.T) {
	env := newTestEnv(t)
	env.authenticate(t)

	env.send(t, `{"type":"reticulate"}`)
	out := env.next(t)
	if out.Type != OutError || errorMessage(out) != "unknown message type: reticulate" {
		t.Fatalf("reply = %+v", out)
	}
}

func TestTranslate_PortError(t *testing.T) {
	env := newTestEnv(t)
	env.session.setLastPort(testPort)

	out, ok := env.session.Translate(domain.NewEvent(domain.EventSerialState, domain.ClosedState("device unplugged")))
	if !ok || out.Type != OutPortError {
		t.Fatalf("Translate = %+v, %v", out, ok)
	}
	data := out.Data.(map[string]any)
	if data["message"] != "device unplugged" || data["portPath"] != testPort {
		t.Errorf("port_error = %+v", data)
	}

	if _, ok := env.session.Translate(domain.NewEvent(domain.EventConnectionRequest, nil)); ok {
		t.Error("pairing events must not reach the control channel")
	}
}
