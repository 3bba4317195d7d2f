package vad

// utteranceBuffer accumulates the raw frames of the in-progress utterance.
// It is owned by a Segmenter and guarded by the Segmenter's mutex.
type utteranceBuffer struct {
	frames [][]byte
	size   int
}

func (b *utteranceBuffer) append(frame []byte) {
	b.frames = append(b.frames, frame)
	b.size += len(frame)
}

// detach hands the accumulated frames to the caller and leaves the buffer
// empty, so frames arriving afterwards start a fresh utterance.
func (b *utteranceBuffer) detach() ([][]byte, int) {
	frames, size := b.frames, b.size
	b.frames, b.size = nil, 0
	return frames, size
}

// Concat joins frames into one contiguous PCM buffer.
func Concat(frames [][]byte) []byte {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
