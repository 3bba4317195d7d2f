// Package audio holds the PCM16 helpers shared by the voice pipeline: format
// arithmetic, RMS energy, WAV framing, resampling and chunking.
//
// All sample data in this package is 16-bit signed little-endian PCM.
package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of a single PCM16 sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns a single-channel Format at the given rate.
func Mono(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1}
}

// BytesPerSecond returns the PCM16 byte rate of f. It returns 0 for an invalid
// format.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return f.SampleRate * f.Channels * BytesPerSample
}

// Duration returns the playback length of n bytes of PCM16 audio in f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the number of PCM16 bytes covering d, rounded down to a whole
// frame.
func (f Format) Bytes(d time.Duration) int {
	bps := f.BytesPerSecond()
	n := int(int64(bps) * int64(d) / int64(time.Second))
	frame := f.Channels * BytesPerSample
	if frame > 0 {
		n -= n % frame
	}
	return n
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Chunk splits pcm into consecutive slices of at most size bytes. The slices
// share pcm's backing array. A non-positive size yields pcm as one chunk.
func Chunk(pcm []byte, size int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	if size <= 0 || size >= len(pcm) {
		return [][]byte{pcm}
	}
	out := make([][]byte, 0, (len(pcm)+size-1)/size)
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		out = append(out, pcm[:n])
		pcm = pcm[n:]
	}
	return out
}
