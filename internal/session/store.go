package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/clock"
)

// Options configures the sessions created by a Store.
type Options struct {
	// SystemPrompt is the base prompt of every new session.
	SystemPrompt string

	// EchoTail is the gate grace period. Zero uses DefaultEchoTail; negative
	// disables the tail.
	EchoTail time.Duration

	// MaxStoredTurns caps each session's history.
	MaxStoredTurns int

	// Clock drives gate timers. Nil means wall-clock time.
	Clock clock.Clock
}

// Store is the registry of live sessions.
//
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	opts     Options
	sessions map[string]*Session
	created  uint64
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	return &Store{opts: opts, sessions: make(map[string]*Session)}
}

// SetOptions replaces the options applied to sessions created from now on.
// Live sessions are unaffected.
func (st *Store) SetOptions(opts Options) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.opts = opts
}

// Create registers and returns a new session.
func (st *Store) Create() *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	c := st.opts.Clock
	if c == nil {
		c = clock.Real()
	}
	tail := st.opts.EchoTail
	if tail == 0 {
		tail = DefaultEchoTail
	}
	s := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  c.Now(),
		History:    NewHistory(st.opts.MaxStoredTurns),
		Gate:       NewGate(tail, c),
		basePrompt: st.opts.SystemPrompt,
	}
	st.created++
	s.seq = st.created
	st.sessions[s.ID] = s
	return s
}

// Remove closes and unregisters a session. Removing an unknown ID is a no-op.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// List returns the live sessions in creation order.
func (st *Store) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
