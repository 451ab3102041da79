package simport

import (
	"strings"
	"sync"
	"time"
)

type reply struct {
	due  time.Time
	text string
}

// Conn is an open handle on a simulated device.
type Conn struct {
	dev  *Device
	baud int

	mu      sync.Mutex
	closed  bool
	readErr error
	partial strings.Builder

	out      chan []byte
	leftover []byte
	replies  chan reply
	done     chan struct{}
	failed   chan struct{}
	failOnce sync.Once
}

func newConn(d *Device, baud int) *Conn {
	c := &Conn{
		dev:     d,
		baud:    baud,
		out:     make(chan []byte, 4096),
		replies: make(chan reply, 4096),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}
	go c.replyLoop()
	return c
}

func (c *Conn) answers() bool {
	return c.dev.Baud == 0 || c.dev.Baud == c.baud
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrPortClosed
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return 0, err
	}

	var lines []string
	var realtime []byte
	for _, b := range p {
		switch {
		case b == 0x18:
			realtime = append(realtime, b)
		case b == '?' && c.dev.handlesRealtime() && c.partial.Len() == 0:
			realtime = append(realtime, b)
		case b == '\n' || b == '\r':
			if line := strings.TrimSpace(c.partial.String()); line != "" {
				lines = append(lines, line)
			}
			c.partial.Reset()
		default:
			c.partial.WriteByte(b)
		}
	}
	c.mu.Unlock()

	if !c.answers() {
		c.dev.mu.Lock()
		c.dev.lines = append(c.dev.lines, lines...)
		c.dev.realtime = append(c.dev.realtime, realtime...)
		c.dev.mu.Unlock()
		return len(p), nil
	}

	for _, b := range realtime {
		c.dev.mu.Lock()
		c.dev.realtime = append(c.dev.realtime, b)
		c.dev.mu.Unlock()
		switch b {
		case 0x18:
			if c.dev.Firmware == FirmwareGRBL {
				c.queue("Grbl 1.1h ['$' for help]")
			} else if c.dev.Firmware == FirmwareSmoothie {
				c.queue("Smoothie")
			}
		case '?':
			for _, r := range c.dev.statusReport() {
				c.queue(r)
			}
		}
	}

	for _, line := range lines {
		out, gcode := c.dev.replies(line)

		c.dev.mu.Lock()
		c.dev.lines = append(c.dev.lines, line)
		hold := false
		if gcode {
			c.dev.outstanding++
			if c.dev.outstanding > c.dev.maxOutstanding {
				c.dev.maxOutstanding = c.dev.outstanding
			}
			if c.dev.ManualAck {
				c.dev.heldAcks++
				hold = true
			}
		}
		c.dev.mu.Unlock()

		if hold {
			continue
		}
		for i, r := range out {
			if gcode && i == len(out)-1 {
				c.queueAck(r)
				continue
			}
			c.queue(r)
		}
	}
	return len(p), nil
}

func (c *Conn) queue(text string) {
	select {
	case c.replies <- reply{due: time.Now().Add(c.dev.AckDelay), text: text}:
	case <-c.done:
	}
}

// queueAck queues an acknowledgement that releases one outstanding line
// once it is delivered.
func (c *Conn) queueAck(text string) {
	c.queue("\x00ack:" + text)
}

func (c *Conn) replyLoop() {
	for {
		select {
		case <-c.done:
			return
		case r := <-c.replies:
			if wait := time.Until(r.due); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-c.done:
					t.Stop()
					return
				case <-t.C:
				}
			}
			text := r.text
			if strings.HasPrefix(text, "\x00ack:") {
				text = strings.TrimPrefix(text, "\x00ack:")
				c.dev.mu.Lock()
				if c.dev.outstanding > 0 {
					c.dev.outstanding--
				}
				c.dev.mu.Unlock()
			}
			c.deliver(text)
		}
	}
}

func (c *Conn) deliver(text string) {
	select {
	case c.out <- []byte(text + "\r\n"):
	case <-c.done:
	}
}

// Read blocks until a reply is available or the connection ends.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}
	select {
	case b := <-c.out:
		n := copy(p, b)
		c.leftover = b[n:]
		return n, nil
	case <-c.failed:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return 0, err
	case <-c.done:
		return 0, ErrPortClosed
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.failed)
	})
}
