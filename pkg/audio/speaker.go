package audio

import (
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"

	"github.com/justyntemme/gesturebeats/pkg/fault"
)

// SpeakerSink plays through beep's speaker. Rendered blocks are queued
// and pulled by the speaker's own goroutine.
type SpeakerSink struct {
	queue   chan [][2]float64
	pending [][2]float64
	done    chan struct{}
	once    sync.Once
}

// OpenSpeaker initializes the speaker with a buffer of a few blocks
func OpenSpeaker(sampleRate, blockSize int) (*SpeakerSink, error) {
	sr := beep.SampleRate(sampleRate)
	if err := speaker.Init(sr, sr.N(time.Second/20)); err != nil {
		return nil, fault.New(fault.KindResourceUnavailable, "open speaker", err)
	}
	s := &SpeakerSink{
		queue: make(chan [][2]float64, 4),
		done:  make(chan struct{}),
	}
	speaker.Play(s)
	return s, nil
}

// Name implements Sink
func (s *SpeakerSink) Name() string { return string(BackendSpeaker) }

// Clocked implements Clocked; the bounded queue blocks Write at the
// device rate.
func (s *SpeakerSink) Clocked() bool { return true }

// Write implements Sink
func (s *SpeakerSink) Write(left, right []float32) error {
	block := make([][2]float64, len(left))
	for i := range block {
		block[i][0] = float64(left[i])
		if i < len(right) {
			block[i][1] = float64(right[i])
		}
	}
	select {
	case s.queue <- block:
		return nil
	case <-s.done:
		return fault.Newf(fault.KindResourceUnavailable, "speaker write", "speaker closed")
	}
}

// Stream implements beep.Streamer. Underruns play silence rather than
// ending the stream.
func (s *SpeakerSink) Stream(samples [][2]float64) (int, bool) {
	filled := 0
	for filled < len(samples) {
		if len(s.pending) == 0 {
			select {
			case block := <-s.queue:
				s.pending = block
			case <-s.done:
				return filled, filled > 0
			default:
				for i := filled; i < len(samples); i++ {
					samples[i] = [2]float64{}
				}
				return len(samples), true
			}
		}
		n := copy(samples[filled:], s.pending)
		s.pending = s.pending[n:]
		filled += n
	}
	return filled, true
}

// Err implements beep.Streamer
func (s *SpeakerSink) Err() error { return nil }

// Close stops playback
func (s *SpeakerSink) Close() error {
	s.once.Do(func() {
		close(s.done)
		speaker.Clear()
	})
	return nil
}
