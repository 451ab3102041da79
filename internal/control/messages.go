// Package control implements the browser control channel: message decoding
// and the per-connection session that authenticates with a session token and
// then drives the serial port.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/ricochet1k/beamlink/internal/domain"
	apiTypes "github.com/ricochet1k/beamlink/pkg/api"
)

// Inbound message types.
const (
	TypeAuthenticate      = "authenticate"
	TypeListPorts         = "list_ports"
	TypeConnect           = "connect"
	TypeDisconnect        = "disconnect"
	TypeSendCommand       = "send_command"
	TypeSendGCode         = "send_gcode"
	TypeSetMachineProfile = "set_machine_profile"
	TypeEmergencyStop     = "emergency_stop"
	TypePauseGCode        = "pause_gcode"
	TypeResumeGCode       = "resume_gcode"
	TypeStopGCode         = "stop_gcode"
)

// Outbound message types not named after a hub event.
const (
	OutPairingRequired  = "pairing_required"
	OutAuthSuccess      = "auth_success"
	OutAuthFailed       = "auth_failed"
	OutPortsList        = "ports_list"
	OutPortConnected    = "port_connected"
	OutPortDisconnected = "port_disconnected"
	OutPortError        = "port_error"
	OutCommandSent      = "command_sent"
	OutProfileSet       = "profile_set"
	OutError            = "error"
)

// Message is one decoded inbound control message.
type Message interface {
	Type() string
}

type Authenticate struct {
	Token string `json:"token"`
}

type ListPorts struct{}

type Connect struct {
	PortPath    string `json:"portPath"`
	ProfileName string `json:"profileName,omitempty"`
}

type Disconnect struct {
	PortPath string `json:"portPath"`
}

type SendCommand struct {
	PortPath string `json:"portPath"`
	Command  string `json:"command"`
}

type SendGCode struct {
	PortPath string `json:"portPath"`
	GCode    string `json:"gcode"`
	Filename string `json:"filename,omitempty"`
}

type SetMachineProfile struct {
	ProfileName string `json:"profileName"`
}

type EmergencyStop struct {
	PortPath string `json:"portPath,omitempty"`
}

type PauseGCode struct{}
type ResumeGCode struct{}
type StopGCode struct{}

// Unknown carries a type the channel does not understand.
type Unknown struct {
	Name string
}

func (Authenticate) Type() string      { return TypeAuthenticate }
func (ListPorts) Type() string         { return TypeListPorts }
func (Connect) Type() string           { return TypeConnect }
func (Disconnect) Type() string        { return TypeDisconnect }
func (SendCommand) Type() string       { return TypeSendCommand }
func (SendGCode) Type() string         { return TypeSendGCode }
func (SetMachineProfile) Type() string { return TypeSetMachineProfile }
func (EmergencyStop) Type() string     { return TypeEmergencyStop }
func (PauseGCode) Type() string        { return TypePauseGCode }
func (ResumeGCode) Type() string       { return TypeResumeGCode }
func (StopGCode) Type() string         { return TypeStopGCode }
func (u Unknown) Type() string         { return u.Name }

// Decode parses a {type, payload} envelope. Unrecognised types decode to
// Unknown rather than failing.
func Decode(raw []byte) (Message, error) {
	var env apiTypes.ControlInbound
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.ValidationError("message", "invalid JSON: %v", err)
	}
	if env.Type == "" {
		return nil, domain.ValidationError("type", "is required")
	}

	var msg Message
	switch env.Type {
	case TypeAuthenticate:
		msg = &Authenticate{}
	case TypeListPorts:
		return ListPorts{}, nil
	case TypeConnect:
		msg = &Connect{}
	case TypeDisconnect:
		msg = &Disconnect{}
	case TypeSendCommand:
		msg = &SendCommand{}
	case TypeSendGCode:
		msg = &SendGCode{}
	case TypeSetMachineProfile:
		msg = &SetMachineProfile{}
	case TypeEmergencyStop:
		msg = &EmergencyStop{}
	case TypePauseGCode:
		return PauseGCode{}, nil
	case TypeResumeGCode:
		return ResumeGCode{}, nil
	case TypeStopGCode:
		return StopGCode{}, nil
	default:
		return Unknown{Name: env.Type}, nil
	}

	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, domain.ValidationError("payload", "%s: %v", env.Type, err)
		}
	}
	return deref(msg), nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *Authenticate:
		return *v
	case *Connect:
		return *v
	case *Disconnect:
		return *v
	case *SendCommand:
		return *v
	case *SendGCode:
		return *v
	case *SetMachineProfile:
		return *v
	case *EmergencyStop:
		return *v
	default:
		panic(fmt.Sprintf("control: unexpected message %T", m))
	}
}

// Out builds an outbound envelope.
func Out(typ string, data any) apiTypes.ControlOutbound {
	return apiTypes.ControlOutbound{Type: typ, Data: data}
}

// ErrorOut builds an error envelope.
func ErrorOut(msg string) apiTypes.ControlOutbound {
	return Out(OutError, map[string]string{"message": msg})
}

// CloseFrame asks the connection writer to send a websocket close frame and
// stop. It is queued behind any pending replies.
type CloseFrame struct {
	Code int
	Text string
}
