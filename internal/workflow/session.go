package workflow

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"faultdesk/internal/identifier"
)

// Session is the per-operator context a submission runs against. Only a
// confirmed insert changes its suggestion.
type Session struct {
	ActorID string

	mu         sync.Mutex
	suggestion string
}

func NewSession(actorID, suggestion string) *Session {
	if !identifier.IsValid(suggestion) {
		suggestion = identifier.DefaultSuggestion
	}
	return &Session{ActorID: actorID, suggestion: strings.TrimSpace(suggestion)}
}

// Suggestion is the identifier to pre-fill on the next form.
func (s *Session) Suggestion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suggestion
}

func (s *Session) setSuggestion(v string) {
	s.mu.Lock()
	s.suggestion = v
	s.mu.Unlock()
}

const (
	DefaultMaxSessions    = 1024
	DefaultSessionIdleTTL = 12 * time.Hour
)

// Sessions hands out one Session per operator. Suggestions are not shared
// between sessions, so two operators can be offered the same identifier.
// At most size sessions are kept; one unused for idleTTL, or the least
// recently used one when the registry is full, is dropped and starts over
// from the initial suggestion.
type Sessions struct {
	mu      sync.Mutex
	initial string
	byActor *expirable.LRU[string, *Session]
}

// NewSessions builds a registry. Non-positive size or idleTTL take the
// package defaults.
func NewSessions(initial string, size int, idleTTL time.Duration) *Sessions {
	if size <= 0 {
		size = DefaultMaxSessions
	}
	if idleTTL <= 0 {
		idleTTL = DefaultSessionIdleTTL
	}
	return &Sessions{
		initial: initial,
		byActor: expirable.NewLRU[string, *Session](size, nil, idleTTL),
	}
}

// Get returns the session for actorID, creating it on first use.
func (s *Sessions) Get(actorID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byActor.Get(actorID)
	if !ok {
		sess = NewSession(actorID, s.initial)
	}
	// re-adding restarts the idle timer
	s.byActor.Add(actorID, sess)
	return sess
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	return s.byActor.Len()
}
