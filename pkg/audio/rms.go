package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root-mean-square energy of PCM16 little-endian samples,
// each normalised to [-1, 1]. A trailing unpaired byte is ignored. Returns 0
// for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
