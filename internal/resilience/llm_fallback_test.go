package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
)

func TestLLMFallback_StreamCompletion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		primaryErr    error
		wantText      string
		wantSecondary int
	}{
		{"primary serves", nil, "primary", 0},
		{"fails over on start error", errors.New("503"), "secondary", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			primary := &llmmock.Provider{
				StreamErr:    tc.primaryErr,
				StreamChunks: []llm.Chunk{{Text: "primary"}, {FinishReason: "stop"}},
			}
			secondary := &llmmock.Provider{
				StreamChunks: []llm.Chunk{{Text: "secondary"}, {FinishReason: "stop"}},
			}
			fb := NewLLMFallback(primary, "openai", FallbackConfig{})
			fb.AddFallback("anthropic", secondary)

			ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			if err != nil {
				t.Fatalf("StreamCompletion: %v", err)
			}
			var text string
			for c := range ch {
				text += c.Text
			}
			if text != tc.wantText {
				t.Errorf("text = %q, want %q", text, tc.wantText)
			}
			if got := len(secondary.Streams()); got != tc.wantSecondary {
				t.Errorf("secondary streams = %d, want %d", got, tc.wantSecondary)
			}
		})
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("also down")}
	fb := NewLLMFallback(primary, "a", FallbackConfig{})
	fb.AddFallback("b", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if len(primary.CompleteCalls) != 1 || len(secondary.CompleteCalls) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.CompleteCalls), len(secondary.CompleteCalls))
	}
	if got := fb.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names() = %v", got)
	}
}
