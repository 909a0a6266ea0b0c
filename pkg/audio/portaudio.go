package audio

import (
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/justyntemme/gesturebeats/pkg/fault"
)

// PortAudioSink writes 16-bit stereo to the default output device through
// a blocking PortAudio stream.
type PortAudioSink struct {
	mu     sync.Mutex
	stream *pa.Stream
	out    [][]int16
	closed bool
}

// OpenPortAudio initializes PortAudio and starts a stereo output stream
func OpenPortAudio(sampleRate, blockSize int) (*PortAudioSink, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fault.New(fault.KindResourceUnavailable, "open portaudio", err)
	}
	if _, err := pa.DefaultOutputDevice(); err != nil {
		pa.Terminate()
		return nil, fault.New(fault.KindResourceUnavailable, "open portaudio", err)
	}

	s := &PortAudioSink{out: [][]int16{make([]int16, blockSize), make([]int16, blockSize)}}
	stream, err := pa.OpenDefaultStream(0, 2, float64(sampleRate), blockSize, &s.out)
	if err != nil {
		pa.Terminate()
		return nil, fault.New(fault.KindResourceUnavailable, "open portaudio", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		pa.Terminate()
		return nil, fault.New(fault.KindResourceUnavailable, "start portaudio", err)
	}
	s.stream = stream
	return s, nil
}

// Name implements Sink
func (s *PortAudioSink) Name() string { return string(BackendPortAudio) }

// Clocked implements Clocked
func (s *PortAudioSink) Clocked() bool { return true }

// Write implements Sink. Blocks shorter than the stream buffer are padded
// with silence.
func (s *PortAudioSink) Write(left, right []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fault.Newf(fault.KindResourceUnavailable, "portaudio write", "stream closed")
	}
	n := ToInt16(s.out[0], left)
	clear(s.out[0][n:])
	n = ToInt16(s.out[1], right)
	clear(s.out[1][n:])
	if err := s.stream.Write(); err != nil {
		return fault.New(fault.KindResourceUnavailable, "portaudio write", err)
	}
	return nil
}

// Close stops the stream and terminates PortAudio
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Stop()
	err := s.stream.Close()
	if terr := pa.Terminate(); err == nil {
		err = terr
	}
	return err
}
