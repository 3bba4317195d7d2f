// Package whisper transcribes speech through a whisper.cpp server
// (whisper-server) and its POST /inference endpoint.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	text, err := p.Transcribe(ctx, stt.Request{Audio: wav})
package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// maxErrorBody caps how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

var _ stt.Provider = (*Provider)(nil)

// HTTPError is returned when the server answers with a non-200 status or
// reports an error in its JSON body.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("whisper: server returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("whisper: server returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel names the model the server should use. Empty keeps the model the
// server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when a request carries none.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTemperature sets the decoding temperature. Negative values keep the
// server default.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = t }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider is an [stt.Provider] for a whisper.cpp server.
type Provider struct {
	endpoint    string
	model       string
	language    string
	temperature float64
	httpClient  *http.Client
}

// New returns a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		endpoint:    strings.TrimRight(serverURL, "/") + "/inference",
		language:    defaultLanguage,
		temperature: -1,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads req.Audio and returns the recognised text with
// surrounding whitespace removed.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	if len(req.Audio) == 0 {
		return "", stt.ErrEmptyAudio
	}
	body, contentType, err := p.form(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(snippet))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}
	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := sonic.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	if result.Error != "" {
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: result.Error}
	}
	return strings.TrimSpace(result.Text), nil
}

// form encodes the multipart body for one inference request.
func (p *Provider) form(req stt.Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("whisper: write audio: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	fields := [][2]string{
		{"response_format", "json"},
		{"language", lang},
		{"model", p.model},
		{"prompt", req.Prompt},
	}
	if p.temperature >= 0 {
		fields = append(fields, [2]string{"temperature", strconv.FormatFloat(p.temperature, 'f', -1, 64)})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("whisper: write %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
