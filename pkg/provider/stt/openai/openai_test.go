package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.model != DefaultModel {
		t.Errorf("model: got %q, want %q", p.model, DefaultModel)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()

	p, _ := New("sk-test", "")
	if _, err := p.Transcribe(context.Background(), stt.Request{}); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("expected ErrEmptyAudio, got %v", err)
	}
}

func TestTranscribe_Multipart(t *testing.T) {
	t.Parallel()

	type seen struct {
		model, language, filename string
		fileLen                   int
		auth                      string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		got <- seen{
			model:    r.FormValue("model"),
			language: r.FormValue("language"),
			filename: hdr.Filename,
			fileLen:  len(data),
			auth:     r.Header.Get("Authorization"),
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"  hello there  "}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "whisper-1", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatal(err)
	}
	wav := audio.EncodeWAV(make([]byte, 3200), audio.Mono(16000))
	text, err := p.Transcribe(context.Background(), stt.Request{Audio: wav, Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text: got %q, want trimmed %q", text, "hello there")
	}

	s := <-got
	if s.model != "whisper-1" || s.language != "en" {
		t.Errorf("form fields: model=%q language=%q", s.model, s.language)
	}
	if s.filename != "audio.wav" || s.fileLen != len(wav) {
		t.Errorf("file: name=%q len=%d", s.filename, s.fileLen)
	}
	if s.auth != "Bearer sk-test" {
		t.Errorf("authorization: got %q", s.auth)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("RIFF")}); err == nil {
		t.Fatal("expected error from 500 response")
	}
}
