// Package audio provides the output devices the synthesis engine renders
// into.
package audio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/justyntemme/gesturebeats/pkg/fault"
)

// Sink receives rendered stereo blocks
type Sink interface {
	// Name identifies the backend in logs
	Name() string
	// Write delivers one block. Clocked sinks block until the device
	// accepts it.
	Write(left, right []float32) error
	Close() error
}

// Clocked is implemented by sinks whose Write paces the caller at the
// device rate. The engine paces unclocked sinks with its own ticker.
type Clocked interface {
	Clocked() bool
}

// IsClocked reports whether s paces its writer
func IsClocked(s Sink) bool {
	c, ok := s.(Clocked)
	return ok && c.Clocked()
}

// Backend names an output implementation
type Backend string

const (
	BackendPortAudio Backend = "portaudio"
	BackendSpeaker   Backend = "speaker"
	BackendNull      Backend = "null"
)

// ParseBackend validates a backend name
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendPortAudio, BackendSpeaker, BackendNull:
		return b, nil
	case "":
		return BackendPortAudio, nil
	}
	return "", fmt.Errorf("unknown audio backend %q", s)
}

// Open creates the sink for backend. Device failures are reported as
// ResourceUnavailable so callers can fall back to the null sink.
func Open(backend Backend, sampleRate, blockSize int) (Sink, error) {
	switch backend {
	case BackendPortAudio:
		return OpenPortAudio(sampleRate, blockSize)
	case BackendSpeaker:
		return OpenSpeaker(sampleRate, blockSize)
	case BackendNull:
		return NewNullSink(), nil
	}
	return nil, fault.Newf(fault.KindConfiguration, "open audio", "unknown backend %q", backend)
}

// NullSink discards audio. It is the fallback when no device is available.
type NullSink struct {
	mu      sync.Mutex
	blocks  uint64
	samples uint64
	last    time.Time
}

// NewNullSink creates a discarding sink
func NewNullSink() *NullSink {
	return &NullSink{}
}

// Name implements Sink
func (n *NullSink) Name() string { return string(BackendNull) }

// Write implements Sink
func (n *NullSink) Write(left, right []float32) error {
	n.mu.Lock()
	n.blocks++
	n.samples += uint64(len(left))
	n.last = time.Now()
	n.mu.Unlock()
	return nil
}

// Blocks returns how many blocks were written
func (n *NullSink) Blocks() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blocks
}

// Close implements Sink
func (n *NullSink) Close() error { return nil }
