package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

var req = llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}

func TestReplySplitsIntoWords(t *testing.T) {
	t.Parallel()
	p := &Provider{Reply: "Paris is lovely."}
	ch, err := p.StreamCompletion(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	var got []llm.Chunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 4 {
		t.Fatalf("chunks = %+v, want 3 words and a stop", got)
	}
	if got[0].Text != "Paris " || got[2].Text != "lovely." || got[3].FinishReason != "stop" {
		t.Errorf("chunks = %+v", got)
	}
	if n := len(p.Streams()); n != 1 {
		t.Errorf("recorded %d stream calls, want 1", n)
	}
}

func TestStreamErr(t *testing.T) {
	t.Parallel()
	want := errors.New("rate limited")
	p := &Provider{StreamErr: want, Reply: "unused"}
	if _, err := p.StreamCompletion(context.Background(), req); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestHoldReleasesOnCancel(t *testing.T) {
	t.Parallel()
	p := &Provider{Reply: "never sent", Hold: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case c, ok := <-ch:
		if ok {
			t.Errorf("received %+v after cancel, want closed channel", c)
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()
	p := &Provider{Reply: "Forty two."}
	resp, err := p.Complete(context.Background(), req)
	if err != nil || resp.Content != "Forty two." {
		t.Fatalf("Complete = %+v, %v", resp, err)
	}

	p = &Provider{CompleteErr: errors.New("down")}
	if _, err := p.Complete(context.Background(), req); err == nil {
		t.Error("expected CompleteErr")
	}
	if len(p.CompleteCalls) != 1 {
		t.Errorf("CompleteCalls = %d, want 1", len(p.CompleteCalls))
	}
}
