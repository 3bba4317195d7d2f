package session

import (
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

func TestHistory_WindowBoundsPairsAndChars(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	for i := range 15 {
		h.AppendUser(fmt.Sprintf("question %d %s", i, strings.Repeat("x", 600)))
		h.AppendAssistant(fmt.Sprintf("answer %d", i))
	}

	w := h.Window(10, 500)
	if len(w) != 20 {
		t.Fatalf("window: got %d messages, want 20", len(w))
	}
	if !strings.HasPrefix(w[0].Content, "question 5 ") {
		t.Errorf("window should start at pair 5, got %q", w[0].Content[:12])
	}
	if w[0].Role != llm.RoleUser || w[1].Role != llm.RoleAssistant {
		t.Errorf("roles: %q, %q", w[0].Role, w[1].Role)
	}
	for i, m := range w {
		if n := len([]rune(m.Content)); n > 500 {
			t.Errorf("message %d has %d runes, want <= 500", i, n)
		}
	}
	if h.Len() != 30 {
		t.Errorf("stored turns: got %d, want 30", h.Len())
	}
}

func TestHistory_TruncatesByRunes(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	h.AppendUser(strings.Repeat("ü", 10))
	w := h.Window(1, 4)
	if w[0].Content != "üüüü" {
		t.Errorf("got %q", w[0].Content)
	}
}

func TestHistory_StoredCapDropsOldestPair(t *testing.T) {
	t.Parallel()

	h := NewHistory(4)
	for i := range 3 {
		h.AppendUser(fmt.Sprintf("u%d", i))
		h.AppendAssistant(fmt.Sprintf("a%d", i))
	}
	turns := h.Turns()
	if len(turns) != 4 {
		t.Fatalf("turns: got %d, want 4", len(turns))
	}
	if turns[0].Text != "u1" || turns[0].Role != llm.RoleUser {
		t.Errorf("oldest surviving turn: %+v", turns[0])
	}
}

func TestHistory_RollbackUser(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	if h.RollbackUser() {
		t.Error("rollback on empty history should report false")
	}
	h.AppendUser("hi")
	h.AppendAssistant("hello")
	if h.RollbackUser() {
		t.Error("rollback must not remove an assistant turn")
	}
	h.AppendUser("dangling")
	if !h.RollbackUser() {
		t.Error("rollback should remove the unanswered user turn")
	}
	if h.Len() != 2 {
		t.Errorf("len: got %d, want 2", h.Len())
	}
}
