// Package trust decides which browser origins may talk to the companion and
// keeps the durable record of paired origins.
package trust

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/logging"
	"github.com/ricochet1k/beamlink/internal/storage"
)

// dummyHash keeps Verify's cost uniform when the origin is unknown.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("beamlink-no-such-origin"), bcrypt.MinCost)

type Options struct {
	// StaticOrigins are trusted in addition to the store's allowedOrigins.
	StaticOrigins  []string
	WildcardSuffix string
	BcryptCost     int
	Logger         logrus.FieldLogger
	Emitter        domain.Emitter
	Now            func() time.Time
}

// Store is the origin trust store. All mutations are persisted before they
// are broadcast; a failed persist is reported but not rolled back.
type Store struct {
	mu      sync.RWMutex
	backend storage.DocumentStore
	doc     *storage.Document
	static  map[string]struct{}

	wildcardSuffix string
	cost           int
	log            *logrus.Entry
	emitter        domain.Emitter
	now            func() time.Time
}

func Open(backend storage.DocumentStore, opts Options) (*Store, error) {
	doc, err := backend.Load()
	if err != nil {
		return nil, domain.StorageError("load trust store", err)
	}

	s := &Store{
		backend:        backend,
		doc:            doc,
		static:         make(map[string]struct{}),
		wildcardSuffix: opts.WildcardSuffix,
		cost:           opts.BcryptCost,
		log:            logging.Component(opts.Logger, "trust"),
		emitter:        opts.Emitter,
		now:            opts.Now,
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.emitter == nil {
		s.emitter = domain.Discard
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, o := range opts.StaticOrigins {
		norm, err := NormalizeOrigin(o)
		if err != nil {
			s.log.WithError(err).Warn("ignoring invalid static origin")
			continue
		}
		s.static[norm] = struct{}{}
	}
	return s, nil
}

// IsTrusted applies, in order: loopback, static allow-list, private network,
// paired record, wildcard suffix.
func (s *Store) IsTrusted(origin string) bool {
	p, ok := parseOrigin(origin)
	if !ok {
		return false
	}
	if IsLoopback(p.host) {
		return true
	}

	norm, _ := NormalizeOrigin(origin)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.static[norm]; ok {
		return true
	}
	for _, allowed := range s.doc.AllowedOrigins {
		if a, err := NormalizeOrigin(allowed); err == nil && a == norm {
			return true
		}
	}
	if IsPrivateNetwork(p.host) {
		return true
	}
	if _, ok := s.doc.Origins[norm]; ok {
		return true
	}
	return s.doc.Settings.AllowReplitWildcard && matchesWildcard(p, s.wildcardSuffix)
}

// RequiresSecret reports whether origin is trusted only through a paired
// record that carries a secret hash.
func (s *Store) RequiresSecret(origin string) bool {
	norm, err := NormalizeOrigin(origin)
	if err != nil {
		return false
	}
	s.mu.RLock()
	entry, ok := s.doc.Origins[norm]
	s.mu.RUnlock()
	if !ok || entry.TokenHash == "" {
		return false
	}

	p, _ := parseOrigin(norm)
	if IsLoopback(p.host) || IsPrivateNetwork(p.host) {
		return false
	}
	s.mu.RLock()
	_, static := s.static[norm]
	wildcard := s.doc.Settings.AllowReplitWildcard && matchesWildcard(p, s.wildcardSuffix)
	s.mu.RUnlock()
	return !static && !wildcard
}

// HashSecret returns a salted hash suitable for OriginRecord.TokenHash.
func (s *Store) HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", domain.ValidationError("secret", "is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", domain.ValidationError("secret", "%v", err)
	}
	return string(hash), nil
}

// AddOrigin creates or overwrites the record for origin.
func (s *Store) AddOrigin(origin, secret, note string) (domain.OriginRecord, error) {
	hash, err := s.HashSecret(secret)
	if err != nil {
		return domain.OriginRecord{}, err
	}
	return s.PutRecord(origin, hash, note)
}

// PutRecord stores a record whose secret is already hashed. createdAt and
// lastSeen are both stamped now.
func (s *Store) PutRecord(origin, tokenHash, note string) (domain.OriginRecord, error) {
	norm, err := NormalizeOrigin(origin)
	if err != nil {
		return domain.OriginRecord{}, err
	}

	now := s.now().UTC()
	entry := storage.OriginEntry{TokenHash: tokenHash, CreatedAt: now, LastSeen: now, Note: note}

	s.mu.Lock()
	s.doc.Origins[norm] = entry
	err = s.persistLocked()
	s.mu.Unlock()

	rec := toRecord(norm, entry)
	s.log.WithField("origin", norm).Info("origin paired")
	s.emitter.Emit(domain.NewEvent(domain.EventStatusUpdate, map[string]any{"reason": "origin_added", "origin": norm}))
	return rec, err
}

// RotateSecret replaces the secret of an existing record, keeping createdAt.
func (s *Store) RotateSecret(origin, secret string) error {
	norm, err := NormalizeOrigin(origin)
	if err != nil {
		return err
	}
	hash, err := s.HashSecret(secret)
	if err != nil {
		return err
	}

	s.mu.Lock()
	entry, ok := s.doc.Origins[norm]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: origin %s", domain.ErrNotFound, norm)
	}
	entry.TokenHash = hash
	entry.LastSeen = s.now().UTC()
	s.doc.Origins[norm] = entry
	err = s.persistLocked()
	s.mu.Unlock()

	s.emitter.Emit(domain.NewEvent(domain.EventStatusUpdate, map[string]any{"reason": "secret_rotated", "origin": norm}))
	return err
}

// Verify compares secret against the stored hash. It never errors.
func (s *Store) Verify(origin, secret string) bool {
	norm, err := NormalizeOrigin(origin)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return false
	}

	s.mu.RLock()
	entry, ok := s.doc.Origins[norm]
	s.mu.RUnlock()

	if !ok || entry.TokenHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(entry.TokenHash), []byte(secret)) == nil
}

// Touch updates lastSeen for a paired origin.
func (s *Store) Touch(origin string) error {
	norm, err := NormalizeOrigin(origin)
	if err != nil {
		s.log.WithField("origin", origin).Warn("touch for invalid origin ignored")
		return nil
	}

	s.mu.Lock()
	entry, ok := s.doc.Origins[norm]
	if !ok {
		s.mu.Unlock()
		s.log.WithField("origin", norm).Warn("touch for unknown origin ignored")
		return nil
	}
	entry.LastSeen = s.now().UTC()
	s.doc.Origins[norm] = entry
	err = s.persistLocked()
	s.mu.Unlock()

	s.emitter.Emit(domain.NewEvent(domain.EventStatusUpdate, map[string]any{"reason": "origin_seen", "origin": norm}))
	return err
}

// Remove deletes the record; false when it was not present.
func (s *Store) Remove(origin string) (bool, error) {
	norm, err := NormalizeOrigin(origin)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if _, ok := s.doc.Origins[norm]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.doc.Origins, norm)
	err = s.persistLocked()
	s.mu.Unlock()

	s.log.WithField("origin", norm).Info("origin removed")
	s.emitter.Emit(domain.NewEvent(domain.EventOriginRemoved, map[string]any{"origin": norm}))
	return true, err
}

// SetWildcard toggles suffix-based trust.
func (s *Store) SetWildcard(enabled bool) error {
	s.mu.Lock()
	s.doc.Settings.AllowReplitWildcard = enabled
	err := s.persistLocked()
	s.mu.Unlock()

	s.emitter.Emit(domain.NewEvent(domain.EventStatusUpdate, map[string]any{"reason": "wildcard", "enabled": enabled}))
	return err
}

func (s *Store) WildcardEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Settings.AllowReplitWildcard
}

// Lookup returns the record for origin.
func (s *Store) Lookup(origin string) (domain.OriginRecord, bool) {
	norm, err := NormalizeOrigin(origin)
	if err != nil {
		return domain.OriginRecord{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.doc.Origins[norm]
	if !ok {
		return domain.OriginRecord{}, false
	}
	return toRecord(norm, entry), true
}

// Records returns every paired origin sorted by name, hashes omitted.
func (s *Store) Records() []domain.OriginRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OriginRecord, 0, len(s.doc.Origins))
	for _, name := range s.doc.OriginNames() {
		rec := toRecord(name, s.doc.Origins[name])
		rec.TokenHash = ""
		out = append(out, rec)
	}
	return out
}

// StaticOrigins lists configured and stored allow-list entries.
func (s *Store) StaticOrigins() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.static)+len(s.doc.AllowedOrigins))
	for o := range s.static {
		seen[o] = struct{}{}
	}
	for _, o := range s.doc.AllowedOrigins {
		seen[o] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

func (s *Store) persistLocked() error {
	if err := s.backend.Save(s.doc.Clone()); err != nil {
		s.log.WithError(err).Error("failed to persist trust store")
		return domain.StorageError("persist trust store", err)
	}
	return nil
}

func toRecord(origin string, e storage.OriginEntry) domain.OriginRecord {
	return domain.OriginRecord{
		Origin:    origin,
		TokenHash: e.TokenHash,
		CreatedAt: e.CreatedAt,
		LastSeen:  e.LastSeen,
		Note:      e.Note,
	}
}
