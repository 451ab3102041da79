// Package pairing turns connection attempts from unknown origins into
// operator decisions.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/logging"
	"github.com/ricochet1k/beamlink/internal/trust"
)

const (
	DefaultPendingTTL    = 10 * time.Minute
	DefaultMaxPending    = 64
	DefaultSweepInterval = time.Minute
)

// Outcome describes what Request did.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeRefreshed
	OutcomeTrusted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "pending"
	case OutcomeRefreshed:
		return "pending"
	case OutcomeTrusted:
		return "trusted"
	default:
		return "unknown"
	}
}

// TrustStore is the part of trust.Store the broker needs.
type TrustStore interface {
	IsTrusted(origin string) bool
	HashSecret(secret string) (string, error)
	PutRecord(origin, tokenHash, note string) (domain.OriginRecord, error)
}

type Options struct {
	PendingTTL time.Duration
	MaxPending int
	Logger     logrus.FieldLogger
	Emitter    domain.Emitter
	Now        func() time.Time
}

type pendingEntry struct {
	origin     string
	timestamp  time.Time
	secretHash string
}

// AcceptResult carries the new record and, when the broker generated the
// secret, the plaintext secret. It is returned exactly once.
type AcceptResult struct {
	Record domain.OriginRecord
	Secret string
}

type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	trust   TrustStore
	ttl     time.Duration
	max     int
	log     *logrus.Entry
	emitter domain.Emitter
	now     func() time.Time
}

func NewBroker(store TrustStore, opts Options) *Broker {
	b := &Broker{
		pending: make(map[string]*pendingEntry),
		trust:   store,
		ttl:     opts.PendingTTL,
		max:     opts.MaxPending,
		log:     logging.Component(opts.Logger, "pairing"),
		emitter: opts.Emitter,
		now:     opts.Now,
	}
	if b.ttl <= 0 {
		b.ttl = DefaultPendingTTL
	}
	if b.max <= 0 {
		b.max = DefaultMaxPending
	}
	if b.emitter == nil {
		b.emitter = domain.Discard
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Request records a contact attempt from origin. A trusted origin is left
// alone; a repeat while pending refreshes the timestamp without a new event.
// A non-empty secret is kept (hashed) and becomes the record's secret on
// accept.
func (b *Broker) Request(origin, secret string) (domain.PendingRequest, Outcome, error) {
	norm, err := trust.NormalizeOrigin(origin)
	if err != nil {
		return domain.PendingRequest{}, 0, err
	}
	if b.trust.IsTrusted(norm) {
		return domain.PendingRequest{Origin: norm}, OutcomeTrusted, nil
	}

	var hash string
	if secret != "" {
		if hash, err = b.trust.HashSecret(secret); err != nil {
			return domain.PendingRequest{}, 0, err
		}
	}

	now := b.now().UTC()

	b.mu.Lock()
	b.sweepLocked(now)
	if entry, ok := b.pending[norm]; ok {
		entry.timestamp = now
		if hash != "" {
			entry.secretHash = hash
		}
		req := entry.view()
		b.mu.Unlock()
		b.log.WithField("origin", norm).Debug("pairing request refreshed")
		return req, OutcomeRefreshed, nil
	}

	if len(b.pending) >= b.max {
		b.evictOldestLocked()
	}
	entry := &pendingEntry{origin: norm, timestamp: now, secretHash: hash}
	b.pending[norm] = entry
	req := entry.view()
	b.mu.Unlock()

	b.log.WithField("origin", norm).Info("pairing requested")
	b.emitter.Emit(domain.NewEvent(domain.EventConnectionRequest, req))
	return req, OutcomeCreated, nil
}

// Accept promotes a pending origin to a trusted record.
func (b *Broker) Accept(origin string) (AcceptResult, error) {
	norm, err := trust.NormalizeOrigin(origin)
	if err != nil {
		return AcceptResult{}, err
	}

	b.mu.Lock()
	b.sweepLocked(b.now().UTC())
	entry, ok := b.pending[norm]
	if ok {
		delete(b.pending, norm)
	}
	b.mu.Unlock()
	if !ok {
		return AcceptResult{}, fmt.Errorf("%w: no pending pairing request for %s", domain.ErrNotFound, norm)
	}

	var result AcceptResult
	hash := entry.secretHash
	if hash == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return AcceptResult{}, err
		}
		if hash, err = b.trust.HashSecret(secret); err != nil {
			return AcceptResult{}, err
		}
		result.Secret = secret
	}

	rec, err := b.trust.PutRecord(norm, hash, "paired")
	rec.TokenHash = ""
	result.Record = rec
	b.log.WithField("origin", norm).Info("pairing accepted")
	return result, err
}

// Decline discards a pending request. No record is created.
func (b *Broker) Decline(origin string) error {
	norm, err := trust.NormalizeOrigin(origin)
	if err != nil {
		return err
	}

	b.mu.Lock()
	_, ok := b.pending[norm]
	delete(b.pending, norm)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending pairing request for %s", domain.ErrNotFound, norm)
	}

	b.log.WithField("origin", norm).Info("pairing declined")
	b.emitter.Emit(domain.NewEvent(domain.EventPairingDeclined, map[string]any{"origin": norm}))
	return nil
}

// Pending lists live requests, oldest first.
func (b *Broker) Pending() []domain.PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(b.now().UTC())

	out := make([]domain.PendingRequest, 0, len(b.pending))
	for _, e := range b.pending {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Origin < out[j].Origin
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// IsPending reports whether origin has a live request.
func (b *Broker) IsPending(origin string) bool {
	norm, err := trust.NormalizeOrigin(origin)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(b.now().UTC())
	_, ok := b.pending[norm]
	return ok
}

// Sweep drops expired requests and returns how many were removed.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sweepLocked(b.now().UTC())
}

// Run sweeps on interval until ctx is done.
func (b *Broker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				b.log.WithField("expired", n).Debug("swept pairing requests")
			}
		}
	}
}

func (b *Broker) sweepLocked(now time.Time) int {
	removed := 0
	for origin, e := range b.pending {
		if now.Sub(e.timestamp) >= b.ttl {
			delete(b.pending, origin)
			removed++
		}
	}
	return removed
}

func (b *Broker) evictOldestLocked() {
	var oldest *pendingEntry
	for _, e := range b.pending {
		if oldest == nil || e.timestamp.Before(oldest.timestamp) {
			oldest = e
		}
	}
	if oldest != nil {
		delete(b.pending, oldest.origin)
		b.log.WithField("origin", oldest.origin).Warn("pending pairing limit reached, evicted oldest")
	}
}

func (e *pendingEntry) view() domain.PendingRequest {
	return domain.PendingRequest{Origin: e.origin, Timestamp: e.timestamp, HasSecret: e.secretHash != ""}
}

// GenerateSecret returns a random URL-safe pairing secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
