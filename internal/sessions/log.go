// Package sessions keeps the audit trail of session start requests.
package sessions

import (
	"sync"

	"github.com/ricochet1k/beamlink/internal/domain"
)

const DefaultHistory = 100

// Log is a bounded, newest-first record of session requests. Records are
// never modified once added.
type Log struct {
	mu      sync.RWMutex
	records []domain.SessionRequest
	max     int
	emitter domain.Emitter
}

func NewLog(max int, emitter domain.Emitter) *Log {
	if max <= 0 {
		max = DefaultHistory
	}
	if emitter == nil {
		emitter = domain.Discard
	}
	return &Log{max: max, emitter: emitter}
}

// Add appends r, drops the oldest record beyond the bound and emits
// session_request.
func (l *Log) Add(r domain.SessionRequest) {
	l.mu.Lock()
	l.records = append(l.records, r)
	if over := len(l.records) - l.max; over > 0 {
		l.records = append([]domain.SessionRequest(nil), l.records[over:]...)
	}
	l.mu.Unlock()

	l.emitter.Emit(domain.NewEvent(domain.EventSessionRequest, r))
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []domain.SessionRequest {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.SessionRequest, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.records[i])
	}
	return out
}

func (l *Log) Get(requestID string) (domain.SessionRequest, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].RequestID == requestID {
			return l.records[i], true
		}
	}
	return domain.SessionRequest{}, false
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
