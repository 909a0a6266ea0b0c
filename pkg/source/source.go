// Package source reads gesture samples from a line-oriented stream, such
// as a microcontroller or a vision process on a serial port. Each line is
// one JSON sample in the format gesture.DecodeSample accepts.
package source

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/logging"
)

// DefaultBaud is used when no rate is configured
const DefaultBaud = 115200

// Handler receives each decoded sample
type Handler func(gesture.Sample)

// Stats counts what a source has read
type Stats struct {
	Lines    uint64
	Samples  uint64
	Rejected uint64
}

// Lines decodes samples from r, one per line
type Lines struct {
	r    io.ReadCloser
	name string
	log  logrus.FieldLogger
	now  func() time.Time

	lines    atomic.Uint64
	samples  atomic.Uint64
	rejected atomic.Uint64
}

// NewLines wraps r. name is used in log fields.
func NewLines(r io.ReadCloser, name string, logger logrus.FieldLogger) *Lines {
	return &Lines{
		r:    r,
		name: name,
		log:  logging.OrDefault(logger, "source").WithField("source", name),
		now:  time.Now,
	}
}

// Open opens a serial device at baud
func Open(device string, baud int, logger logrus.FieldLogger) (*Lines, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fault.New(fault.KindResourceUnavailable, "open serial", err)
	}
	l := NewLines(p, device, logger)
	l.log.WithField("baud", baud).Info("Serial port opened")
	return l, nil
}

// Ports lists the serial devices present on this machine
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fault.New(fault.KindResourceUnavailable, "list serial ports", err)
	}
	return ports, nil
}

// Run reads until EOF or ctx is done, calling h for every valid sample.
// Malformed lines are logged and skipped. The reader is closed when Run
// returns.
func (l *Lines) Run(ctx context.Context, h Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		// unblocks a pending read
		l.r.Close()
	}()

	sc := bufio.NewScanner(l.r)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		l.lines.Add(1)

		sample, err := gesture.DecodeSample(raw, l.now())
		if err == nil {
			err = sample.Validate()
		}
		if err != nil {
			if n := l.rejected.Add(1); n == 1 || n%100 == 0 {
				l.log.WithError(err).WithField("rejected", n).Warn("Skipping malformed sample")
			}
			continue
		}
		l.samples.Add(1)
		h(sample)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fault.New(fault.KindResourceUnavailable, "read "+l.name, err)
	}
	l.log.Info("Source ended")
	return nil
}

// Stats returns the counters
func (l *Lines) Stats() Stats {
	return Stats{Lines: l.lines.Load(), Samples: l.samples.Load(), Rejected: l.rejected.Load()}
}
