// Package mock provides a test double for the llm.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Reply: "Paris. It sits on the Seine."}
//	ch, _ := p.StreamCompletion(ctx, req) // one chunk per word
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Call records a single invocation of StreamCompletion or Complete.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Set fields before use.
type Provider struct {
	mu sync.Mutex

	// StreamChunks are emitted by StreamCompletion. When empty, Reply is
	// split after every space into one chunk per word.
	StreamChunks []llm.Chunk
	Reply        string

	// ChunkDelay pauses before each emitted chunk.
	ChunkDelay time.Duration

	// Hold, when non-nil, blocks streaming until it is closed or the request
	// context ends.
	Hold chan struct{}

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// opening a channel.
	StreamErr error

	// CompleteResponse and CompleteErr are returned by Complete. A nil
	// response without error answers with the streamed text.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	StreamCalls   []Call
	CompleteCalls []Call
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) chunks() []llm.Chunk {
	if len(p.StreamChunks) > 0 {
		out := make([]llm.Chunk, len(p.StreamChunks))
		copy(out, p.StreamChunks)
		return out
	}
	if p.Reply == "" {
		return nil
	}
	words := strings.SplitAfter(p.Reply, " ")
	out := make([]llm.Chunk, 0, len(words)+1)
	for _, w := range words {
		out = append(out, llm.Chunk{Text: w})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

// StreamCompletion records the call and streams the configured chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks, delay, hold := p.chunks(), p.ChunkDelay, p.Hold
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	if p.CompleteErr != nil || p.CompleteResponse != nil {
		return p.CompleteResponse, p.CompleteErr
	}
	var b strings.Builder
	for _, c := range p.chunks() {
		b.WriteString(c.Text)
	}
	return &llm.CompletionResponse{Content: b.String()}, nil
}

// Streams returns a copy of the recorded StreamCompletion calls.
func (p *Provider) Streams() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}
