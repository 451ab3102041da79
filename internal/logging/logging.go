// Package logging configures the process logger and keeps a ring of recent
// entries for the operator dashboard.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Level  string
	Format string // text | json
	File   string // optional; appended to in addition to stderr
	Ring   int    // number of recent entries retained; 0 uses DefaultRingSize
}

// New builds a logger from opts. The returned Ring is attached as a hook.
// The caller owns the returned io.Closer (the log file, or a no-op).
func New(opts Options) (*logrus.Logger, *Ring, io.Closer, error) {
	logger := logrus.New()

	if err := SetLevel(logger, opts.Level); err != nil {
		return nil, nil, nil, err
	}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	logger.SetOutput(os.Stderr)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
		closer = f
	}

	ring := NewRing(opts.Ring)
	logger.AddHook(ring)

	return logger, ring, closer, nil
}

// SetLevel parses and applies a level name; empty means info.
func SetLevel(logger *logrus.Logger, level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	return nil
}

// Component returns an entry tagged with the component name.
func Component(logger logrus.FieldLogger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}

// Discard returns a logger that writes nowhere. Used as the default when a
// component is constructed without one.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
