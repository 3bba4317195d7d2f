package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by
// EncodeWAV.
const WAVHeaderSize = 44

// ErrNotWAV is returned by DecodeWAV for input without a RIFF/WAVE signature.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

// EncodeWAV wraps raw PCM16 data in a canonical 44-byte RIFF/WAV header.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.BytesPerSecond()
	blockAlign := f.Channels * BytesPerSample
	dataSize := len(pcm)

	buf := make([]byte, WAVHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 8*BytesPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV extracts the PCM16 payload and format from a RIFF/WAVE container.
// Unknown sub-chunks (LIST, fact, ...) are skipped. Only 16-bit PCM is
// accepted.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, Format{}, ErrNotWAV
	}

	var (
		f      Format
		gotFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		switch id {
		case "fmt ":
			if size < 16 || end > len(data) {
				return nil, Format{}, fmt.Errorf("audio: truncated fmt chunk")
			}
			if tag := binary.LittleEndian.Uint16(data[body:]); tag != 1 {
				return nil, Format{}, fmt.Errorf("audio: unsupported WAV format tag %d", tag)
			}
			if bits := binary.LittleEndian.Uint16(data[body+14:]); bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: unsupported WAV bit depth %d", bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return nil, Format{}, fmt.Errorf("audio: data chunk before fmt chunk")
			}
			// Streaming encoders may write a placeholder size.
			if end > len(data) || size == 0 {
				end = len(data)
			}
			return data[body:end], f, nil
		}
		pos = end + size%2
	}
	return nil, Format{}, fmt.Errorf("audio: missing data chunk")
}
