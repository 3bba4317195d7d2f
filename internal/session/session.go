// Package session holds per-connection conversation state: the session
// identity, its conversation history, the system prompt with an optional
// topic, and the echo gate. A Store indexes live sessions by ID.
package session

import (
	"strings"
	"sync"
	"time"
)

// Session is the state of one connected client. It is created when the
// connection opens and discarded when it closes.
type Session struct {
	// ID is an opaque random identifier.
	ID string

	// CreatedAt is when the connection opened.
	CreatedAt time.Time

	// History is the conversation so far.
	History *History

	// Gate suppresses inbound audio while the assistant is speaking.
	Gate *Gate

	seq uint64 // creation order within the Store

	mu         sync.Mutex
	basePrompt string
	topic      string
}

// SystemPrompt returns the base prompt with the topic context appended, if a
// topic was set.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topic == "" {
		return s.basePrompt
	}
	return strings.TrimSpace(s.basePrompt + "\n\nThe conversation topic is: " + s.topic)
}

// SetTopic replaces the topic context. An empty topic clears it.
func (s *Session) SetTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topic = strings.TrimSpace(topic)
}

// Topic returns the current topic.
func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// Close stops the session's timers.
func (s *Session) Close() {
	s.Gate.Stop()
}
