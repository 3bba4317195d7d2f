package audio_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

func stereo(rate int) audio.Format { return audio.Format{SampleRate: rate, Channels: 2} }

func TestSamplesPCM(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768}
	pcm := audio.PCM(in)
	if len(pcm) != len(in)*audio.BytesPerSample {
		t.Fatalf("len(PCM) = %d", len(pcm))
	}
	if pcm[2] != 0x01 || pcm[3] != 0x00 {
		t.Errorf("sample 1 encoded as % x, want little-endian 01 00", pcm[2:4])
	}
	if got := audio.Samples(pcm); !slices.Equal(got, in) {
		t.Errorf("Samples = %v, want %v", got, in)
	}
	if got := audio.Samples(append(pcm, 0xff)); len(got) != len(in) {
		t.Errorf("trailing byte produced %d samples, want %d", len(got), len(in))
	}
}

func TestRemix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		from, to int
		want     []int16
		err      error
	}{
		{"mono to stereo", []int16{100, -200}, 1, 2, []int16{100, 100, -200, -200}, nil},
		{"stereo to mono", []int16{100, 200, -100, -200}, 2, 1, []int16{150, -150}, nil},
		{"no overflow at full scale", []int16{32767, 32767, -32768, -32768}, 2, 1, []int16{32767, -32768}, nil},
		{"partial frame dropped", []int16{10, 20, 30}, 2, 1, []int16{15}, nil},
		{"four to mono", []int16{4, 8, 12, 16}, 4, 1, []int16{10}, nil},
		{"same layout", []int16{1, 2}, 2, 2, []int16{1, 2}, nil},
		{"stereo to quad", []int16{1, 2}, 2, 4, nil, audio.ErrChannelLayout},
		{"zero channels", []int16{1}, 0, 1, nil, audio.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := audio.Remix(tt.in, tt.from, tt.to)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if err == nil && !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	t.Run("upsample interpolates", func(t *testing.T) {
		t.Parallel()
		got := audio.Resample([]int16{0, 300}, 1, 8000, 24000)
		if want := []int16{0, 100, 200, 300, 300, 300}; !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("downsample length", func(t *testing.T) {
		t.Parallel()
		got := audio.Resample(make([]int16, 2400), 1, 24000, 16000)
		if len(got) != 1600 {
			t.Errorf("got %d samples, want 1600", len(got))
		}
	})

	t.Run("channels kept apart", func(t *testing.T) {
		t.Parallel()
		got := audio.Resample([]int16{1000, -1000, 2000, -2000}, 2, 16000, 32000)
		if len(got) != 8 {
			t.Fatalf("got %d samples, want 8", len(got))
		}
		for i := 0; i < len(got); i += 2 {
			if got[i] < 0 || got[i+1] > 0 {
				t.Fatalf("frame %d = (%d, %d), channels mixed", i/2, got[i], got[i+1])
			}
		}
		if got[2] != 1500 || got[3] != -1500 {
			t.Errorf("midpoint frame = (%d, %d), want (1500, -1500)", got[2], got[3])
		}
	})

	for _, rates := range [][2]int{{48000, 48000}, {0, 16000}, {16000, 0}, {-1, 16000}} {
		in := []int16{1, 2, 3}
		if got := audio.Resample(in, 1, rates[0], rates[1]); !slices.Equal(got, in) {
			t.Errorf("Resample(%d -> %d) = %v, want input unchanged", rates[0], rates[1], got)
		}
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()

	t.Run("same format returns input", func(t *testing.T) {
		t.Parallel()
		pcm := audio.PCM([]int16{100, 200})
		out, err := audio.Convert(pcm, stereo(48000), stereo(48000))
		if err != nil {
			t.Fatal(err)
		}
		if &out[0] != &pcm[0] {
			t.Error("matching formats copied the buffer")
		}
	})

	t.Run("tts output to client rate", func(t *testing.T) {
		t.Parallel()
		out, err := audio.Convert(audio.PCM(make([]int16, 2400)), audio.Mono(24000), audio.Mono(16000))
		if err != nil {
			t.Fatal(err)
		}
		if n := len(out) / audio.BytesPerSample; n != 1600 {
			t.Errorf("got %d samples, want 1600 (100ms at 16kHz)", n)
		}
	})

	t.Run("stereo 48k to mono 16k", func(t *testing.T) {
		t.Parallel()
		in := make([]int16, 0, 4800*2)
		for range 4800 {
			in = append(in, 1000, 3000)
		}
		out, err := audio.Convert(audio.PCM(in), stereo(48000), audio.Mono(16000))
		if err != nil {
			t.Fatal(err)
		}
		got := audio.Samples(out)
		if len(got) != 1600 {
			t.Fatalf("got %d samples, want 1600", len(got))
		}
		if got[0] != 2000 || got[len(got)-1] != 2000 {
			t.Errorf("samples = %d..%d, want the channel average 2000", got[0], got[len(got)-1])
		}
	})

	t.Run("mono to stereo upsample", func(t *testing.T) {
		t.Parallel()
		out, err := audio.Convert(audio.PCM([]int16{0, 300}), audio.Mono(8000), stereo(16000))
		if err != nil {
			t.Fatal(err)
		}
		if got, want := audio.Samples(out), []int16{0, 0, 150, 150, 300, 300, 300, 300}; !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	errTests := []struct {
		name     string
		pcm      []byte
		from, to audio.Format
		want     error
	}{
		{"odd byte count", []byte{1, 2, 3}, audio.Mono(48000), audio.Mono(48000), audio.ErrOddLength},
		{"zero rate", []byte{1, 2}, audio.Mono(0), audio.Mono(16000), audio.ErrInvalidFormat},
		{"zero channels", []byte{1, 2}, audio.Mono(16000), audio.Format{SampleRate: 16000}, audio.ErrInvalidFormat},
		{"stereo to 6ch", []byte{1, 2, 3, 4}, stereo(16000), audio.Format{SampleRate: 16000, Channels: 6}, audio.ErrChannelLayout},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := audio.Convert(tt.pcm, tt.from, tt.to); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
