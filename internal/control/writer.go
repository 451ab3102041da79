package control

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/beamlink/internal/realtime"
)

const writeWait = 5 * time.Second

// ErrClosed is returned by WriteFrame after a close frame was sent.
var ErrClosed = errors.New("control channel closed")

// WriteFrame writes one queued frame to conn. Hub events go through
// s.Translate; events it does not forward are skipped.
func (s *Session) WriteFrame(conn *websocket.Conn, f realtime.Frame) error {
	deadline := time.Now().Add(writeWait)
	if f.Event != nil {
		out, ok := s.Translate(*f.Event)
		if !ok {
			return nil
		}
		_ = conn.SetWriteDeadline(deadline)
		return conn.WriteJSON(out)
	}

	if cf, ok := f.Reply.(CloseFrame); ok {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(cf.Code, cf.Text), deadline)
		return ErrClosed
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(f.Reply)
}
