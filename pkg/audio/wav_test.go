package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()

	pcm := audio.PCM([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, audio.Mono(16000))

	if len(wav) != audio.WAVHeaderSize+len(pcm) {
		t.Fatalf("length: got %d, want %d", len(wav), audio.WAVHeaderSize+len(pcm))
	}
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"riff size", binary.LittleEndian.Uint32(wav[4:8]), uint32(36 + len(pcm))},
		{"format tag", uint32(binary.LittleEndian.Uint16(wav[20:22])), 1},
		{"channels", uint32(binary.LittleEndian.Uint16(wav[22:24])), 1},
		{"sample rate", binary.LittleEndian.Uint32(wav[24:28]), 16000},
		{"byte rate", binary.LittleEndian.Uint32(wav[28:32]), 32000},
		{"block align", uint32(binary.LittleEndian.Uint16(wav[32:34])), 2},
		{"bits", uint32(binary.LittleEndian.Uint16(wav[34:36])), 16},
		{"data size", binary.LittleEndian.Uint32(wav[40:44]), uint32(len(pcm))},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, c.got, c.want)
		}
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("missing RIFF/WAVE/data markers")
	}
}

func TestDecodeWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := audio.PCM([]int16{-5, 7, 1000})
	got, f, err := audio.DecodeWAV(audio.EncodeWAV(pcm, audio.Mono(24000)))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != audio.Mono(24000) {
		t.Errorf("format: got %v", f)
	}
	if string(got) != string(pcm) {
		t.Errorf("payload mismatch")
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	pcm := audio.PCM([]int16{1, 2})
	wav := audio.EncodeWAV(pcm, audio.Mono(16000))
	list := []byte("LIST\x04\x00\x00\x00INFO")
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	got, _, err := audio.DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("payload mismatch")
	}
}

func TestDecodeWAV_NotWAV(t *testing.T) {
	t.Parallel()

	if _, _, err := audio.DecodeWAV([]byte("hello world, not audio")); !errors.Is(err, audio.ErrNotWAV) {
		t.Errorf("expected ErrNotWAV, got %v", err)
	}
}
