package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOddLength is returned when PCM16 data does not hold a whole number
	// of samples.
	ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

	// ErrInvalidFormat is returned for a non-positive rate or channel count.
	ErrInvalidFormat = errors.New("audio: invalid format")

	// ErrChannelLayout is returned when neither side of a conversion is mono
	// and the channel counts differ.
	ErrChannelLayout = errors.New("audio: unsupported channel layout")
)

// Convert re-encodes PCM16 audio from one format to another. Matching formats
// return pcm itself. Channels are reduced before resampling and expanded
// after it so the interpolation always runs on the narrower signal.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("convert %s to %s: %w", from, to, ErrOddLength)
	}
	if from == to {
		return pcm, nil
	}
	if !from.valid() || !to.valid() {
		return nil, fmt.Errorf("convert %s to %s: %w", from, to, ErrInvalidFormat)
	}
	s := Samples(pcm)
	ch := from.Channels
	var err error
	if to.Channels < ch {
		if s, err = Remix(s, ch, to.Channels); err != nil {
			return nil, fmt.Errorf("convert %s to %s: %w", from, to, err)
		}
		ch = to.Channels
	}
	s = Resample(s, ch, from.SampleRate, to.SampleRate)
	if to.Channels > ch {
		if s, err = Remix(s, ch, to.Channels); err != nil {
			return nil, fmt.Errorf("convert %s to %s: %w", from, to, err)
		}
	}
	return PCM(s), nil
}

func (f Format) valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// Samples decodes little-endian PCM16. A trailing unpaired byte is dropped.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return out
}

// PCM encodes samples as little-endian PCM16.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}

// Remix changes the channel count of interleaved samples. Reducing to mono
// averages each frame; expanding from mono copies the sample into every
// channel. Other layouts return [ErrChannelLayout]. Incomplete trailing
// frames are dropped.
func Remix(samples []int16, from, to int) ([]int16, error) {
	if from <= 0 || to <= 0 {
		return nil, ErrInvalidFormat
	}
	if from == to {
		return samples, nil
	}
	frames := len(samples) / from
	switch {
	case to == 1:
		out := make([]int16, frames)
		for f := range frames {
			var sum int32
			for _, v := range samples[f*from : (f+1)*from] {
				sum += int32(v)
			}
			out[f] = int16(sum / int32(from))
		}
		return out, nil
	case from == 1:
		out := make([]int16, 0, frames*to)
		for _, v := range samples {
			for range to {
				out = append(out, v)
			}
		}
		return out, nil
	}
	return nil, ErrChannelLayout
}

// Resample converts interleaved samples between rates by linear
// interpolation between neighbouring frames. The output holds
// frames*dst/src frames, rounded down. Equal or non-positive rates return
// samples unchanged.
func Resample(samples []int16, channels, src, dst int) []int16 {
	if channels <= 0 || src <= 0 || dst <= 0 || src == dst {
		return samples
	}
	frames := len(samples) / channels
	if frames == 0 {
		return samples[:0]
	}
	n := int(int64(frames) * int64(dst) / int64(src))
	out := make([]int16, n*channels)
	step := float64(src) / float64(dst)
	for i := range n {
		pos := float64(i) * step
		a := int(pos)
		b := min(a+1, frames-1)
		frac := pos - float64(a)
		for c := range channels {
			x := float64(samples[a*channels+c])
			y := float64(samples[b*channels+c])
			out[i*channels+c] = clamp16(x + (y-x)*frac)
		}
	}
	return out
}

func clamp16(v float64) int16 {
	return int16(max(math.MinInt16, min(math.MaxInt16, math.Round(v))))
}
