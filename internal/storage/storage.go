package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	ErrStorageWrite       = errors.New("failed to write store")
	ErrDocumentTooLarge   = errors.New("store document too large")
	ErrSymlinkNotAllowed  = errors.New("symlinks not allowed for store document")
	ErrDocumentNotPresent = errors.New("store document missing")
)

const maxDocumentSize = 4 * 1024 * 1024 // 4MB

// Document is the on-disk trust store layout.
type Document struct {
	AllowedOrigins []string               `json:"allowedOrigins"`
	Origins        map[string]OriginEntry `json:"origins"`
	Settings       Settings               `json:"settings"`
}

type OriginEntry struct {
	TokenHash string    `json:"tokenHash"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	Note      string    `json:"note"`
}

type Settings struct {
	AllowReplitWildcard bool `json:"allowReplitWildcard"`
}

// DefaultDocument is the empty store written when nothing valid exists.
func DefaultDocument() *Document {
	return &Document{
		AllowedOrigins: []string{},
		Origins:        map[string]OriginEntry{},
	}
}

// Clone deep-copies the document so callers can mutate freely.
func (d *Document) Clone() *Document {
	out := &Document{
		AllowedOrigins: append([]string{}, d.AllowedOrigins...),
		Origins:        make(map[string]OriginEntry, len(d.Origins)),
		Settings:       d.Settings,
	}
	for k, v := range d.Origins {
		out.Origins[k] = v
	}
	return out
}

// OriginNames returns the record keys in sorted order.
func (d *Document) OriginNames() []string {
	names := make([]string, 0, len(d.Origins))
	for name := range d.Origins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type DocumentStore interface {
	Load() (*Document, error)
	Save(doc *Document) error
}

// JSONFileStore persists the Document as a single JSON file. Writes go
// through a temp file, fsync and rename so a crash never leaves a torn file.
type JSONFileStore struct {
	path string
	mu   sync.Mutex

	// Recovered is set when Load replaced a missing or corrupt file.
	Recovered bool
}

func NewJSONFileStore(path string) (*JSONFileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	info, err := os.Stat(dir)
	if err == nil && info.Mode().Perm()&0o077 != 0 {
		_ = os.Chmod(dir, 0o700)
	}

	return &JSONFileStore{path: path}, nil
}

func (s *JSONFileStore) Path() string {
	return s.path
}

// Load reads the document. A missing or unreadable document is replaced by
// DefaultDocument, which is persisted before returning. A corrupt file is
// kept next to the store with a .corrupt suffix.
func (s *JSONFileStore) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readUnlocked()
	if err == nil {
		s.Recovered = false
		return doc, nil
	}

	if !errors.Is(err, ErrDocumentNotPresent) {
		_ = os.Rename(s.path, fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix()))
	}

	doc = DefaultDocument()
	if werr := s.writeUnlocked(doc); werr != nil {
		return doc, werr
	}
	s.Recovered = true
	return doc, nil
}

func (s *JSONFileStore) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeUnlocked(doc)
}

func (s *JSONFileStore) readUnlocked() (*Document, error) {
	info, err := os.Lstat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrDocumentNotPresent
		}
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, s.path)
	}
	if info.Size() > maxDocumentSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrDocumentTooLarge, info.Size())
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.AllowedOrigins == nil {
		doc.AllowedOrigins = []string{}
	}
	if doc.Origins == nil {
		doc.Origins = map[string]OriginEntry{}
	}
	return &doc, nil
}

func (s *JSONFileStore) writeUnlocked(doc *Document) error {
	jsonData, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmpName := f.Name()
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(jsonData); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Close(); err != nil {
		f = nil
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	f = nil

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	// Sync the directory so the rename itself is durable.
	df, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	return nil
}
