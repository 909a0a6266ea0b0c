// Package logging configures the process-wide logrus logger and hands out
// per-component entries.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options controls logger construction
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // optional; appended to in addition to stderr
}

var (
	mu   sync.RWMutex
	base = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	return l
}

// New builds a logger from opts. The returned closer releases the log
// file, if one was opened.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	l := logrus.New()

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("log format %q: must be text or json", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	out := io.Writer(os.Stderr)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	l.SetOutput(out)

	return l, closer, nil
}

// SetDefault replaces the logger returned by Default and For
func SetDefault(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
}

// Default returns the process-wide logger
func Default() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// For returns an entry tagged with the component name
func For(component string) *logrus.Entry {
	return Default().WithField("component", component)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// OrDefault returns l, or a component entry from the default logger when l
// is nil.
func OrDefault(l logrus.FieldLogger, component string) logrus.FieldLogger {
	if l != nil {
		return l
	}
	return For(component)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
