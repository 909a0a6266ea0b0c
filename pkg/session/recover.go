package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gopxl/beep/wav"

	"github.com/justyntemme/gesturebeats/pkg/fault"
)

// RepairWAV rewrites the RIFF and data chunk sizes of a WAV file whose
// writer never finalized its header. Trailing bytes that do not form a
// whole frame are cut off. It returns the number of audio frames.
func RepairWAV(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, fault.New(fault.KindStorageFailure, "repair wav", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fault.New(fault.KindStorageFailure, "repair wav", err)
	}
	size := info.Size()

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return 0, fault.New(fault.KindStorageFailure, "repair wav", fmt.Errorf("reading RIFF header: %w", err))
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0, fault.Newf(fault.KindStorageFailure, "repair wav", "%s is not a WAV file", path)
	}

	// walk chunks until "data"; remember the frame size from "fmt "
	var frameBytes int64
	pos := int64(12)
	for {
		var hdr [8]byte
		if _, err := f.ReadAt(hdr[:], pos); err != nil {
			return 0, fault.New(fault.KindStorageFailure, "repair wav", fmt.Errorf("no data chunk: %w", err))
		}
		id := string(hdr[0:4])
		chunkSize := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		if id == "fmt " {
			var fmtChunk [16]byte
			if _, err := f.ReadAt(fmtChunk[:], pos+8); err != nil {
				return 0, fault.New(fault.KindStorageFailure, "repair wav", err)
			}
			frameBytes = int64(binary.LittleEndian.Uint16(fmtChunk[12:14]))
		}
		if id == "data" {
			break
		}
		pos += 8 + chunkSize + chunkSize%2
	}
	if frameBytes <= 0 {
		return 0, fault.Newf(fault.KindStorageFailure, "repair wav", "missing fmt chunk in %s", path)
	}

	dataStart := pos + 8
	dataSize := size - dataStart
	if dataSize < 0 {
		dataSize = 0
	}
	dataSize -= dataSize % frameBytes
	if err := f.Truncate(dataStart + dataSize); err != nil {
		return 0, fault.New(fault.KindStorageFailure, "repair wav", err)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(dataStart+dataSize-8))
	if _, err := f.WriteAt(buf[:], 4); err != nil {
		return 0, fault.New(fault.KindStorageFailure, "repair wav", err)
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(dataSize))
	if _, err := f.WriteAt(buf[:], pos+4); err != nil {
		return 0, fault.New(fault.KindStorageFailure, "repair wav", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fault.New(fault.KindStorageFailure, "repair wav", err)
	}
	return dataSize / frameBytes, nil
}

// AudioInfo decodes the header of a WAV file
type AudioInfo struct {
	SampleRate int
	Channels   int
	Frames     int
	Duration   time.Duration
}

// ReadAudioInfo opens path with the WAV decoder and reports its format
// and length
func ReadAudioInfo(path string) (AudioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return AudioInfo{}, fault.New(fault.KindStorageFailure, "read audio", err)
	}
	streamer, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return AudioInfo{}, fault.New(fault.KindStorageFailure, "read audio", err)
	}
	defer streamer.Close()

	frames := streamer.Len()
	return AudioInfo{
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
		Frames:     frames,
		Duration:   format.SampleRate.D(frames),
	}, nil
}

// Recover repairs a session left behind by a crash or a failed write: the
// audio header is finalized, and the manifest is updated with what was
// actually captured. The recording stays marked as not complete.
func Recover(dir string) (*Recording, error) {
	rec, err := Load(dir)
	if err != nil {
		return nil, err
	}
	if rec.Complete && !rec.Truncated {
		return rec, nil
	}

	frames, err := RepairWAV(rec.AudioPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		frames = 0
	case err != nil:
		return rec, err
	}

	rec.AudioFrames = frames
	rec.Events = len(rec.Timeline)
	if rec.SampleRate > 0 {
		rec.Duration = time.Duration(frames) * time.Second / time.Duration(rec.SampleRate)
	}
	if last := len(rec.Timeline); last > 0 && rec.Timeline[last-1].Offset() > rec.Duration {
		rec.Duration = rec.Timeline[last-1].Offset()
	}
	if rec.EndTime.IsZero() {
		rec.EndTime = rec.StartTime.Add(rec.Duration)
	}
	rec.Recovered = true

	if err := WriteManifest(dir, &rec.Manifest); err != nil {
		return rec, err
	}
	return rec, nil
}
