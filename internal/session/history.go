package session

import (
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Defaults for the history window sent to the LLM and the stored history cap.
const (
	DefaultMaxPairs       = 10
	DefaultMaxTurnChars   = 500
	DefaultMaxStoredTurns = 200
)

// Turn is one entry of the conversation history.
type Turn struct {
	Role string // llm.RoleUser or llm.RoleAssistant
	Text string
}

// History is the ordered conversation of a session. Turns are appended as
// (user, assistant) pairs: the user turn after a successful transcription and
// the assistant turn once generation completes.
//
// Stored turns are capped; when the cap is exceeded the oldest complete pair
// is dropped.
//
// All methods are safe for concurrent use.
type History struct {
	mu        sync.Mutex
	turns     []Turn
	maxStored int
}

// NewHistory creates an empty History storing at most maxStored turns.
// Non-positive maxStored uses DefaultMaxStoredTurns.
func NewHistory(maxStored int) *History {
	if maxStored <= 0 {
		maxStored = DefaultMaxStoredTurns
	}
	if maxStored%2 != 0 {
		maxStored++
	}
	return &History{maxStored: maxStored}
}

// AppendUser records a user turn.
func (h *History) AppendUser(text string) {
	h.append(Turn{Role: llm.RoleUser, Text: text})
}

// AppendAssistant records an assistant turn.
func (h *History) AppendAssistant(text string) {
	h.append(Turn{Role: llm.RoleAssistant, Text: text})
}

func (h *History) append(t Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
	if over := len(h.turns) - h.maxStored; over > 0 {
		drop := over + over%2
		h.turns = append([]Turn(nil), h.turns[drop:]...)
	}
}

// RollbackUser removes the most recent turn if it is an unanswered user turn.
// It reports whether a turn was removed.
func (h *History) RollbackUser() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.turns)
	if n == 0 || h.turns[n-1].Role != llm.RoleUser {
		return false
	}
	h.turns = h.turns[:n-1]
	return true
}

// Len returns the number of stored turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Turns returns a copy of all stored turns.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Window returns the last maxPairs (user, assistant) pairs as LLM messages,
// each truncated to maxChars runes. Non-positive arguments use the defaults.
func (h *History) Window(maxPairs, maxChars int) []llm.Message {
	if maxPairs <= 0 {
		maxPairs = DefaultMaxPairs
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxTurnChars
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	turns := h.turns
	if n := 2 * maxPairs; len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]llm.Message, len(turns))
	for i, t := range turns {
		out[i] = llm.Message{Role: t.Role, Content: truncateRunes(t.Text, maxChars)}
	}
	return out
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
