package logging

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultRingSize = 200

// Entry is one retained log line.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Ring is a logrus hook retaining the most recent entries.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, size)}
}

func (r *Ring) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (r *Ring) Fire(e *logrus.Entry) error {
	var fields map[string]any
	if len(e.Data) > 0 {
		fields = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fields[k] = v
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = Entry{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
		Fields:  fields,
	}
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns all.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	if r.full {
		out = append(out, r.entries[r.next:]...)
	}
	out = append(out, r.entries[:r.next]...)

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
