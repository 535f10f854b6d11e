// Package session provides the per-chat mutual-exclusion registry.
//
// Every outbound send to an external chat must hold that chat's session
// mutex for the duration of the transport call, so sends to one chat never
// interleave. The registry lazily creates sessions; removing a session only
// discards the bookkeeping entry, current holders are unaffected.
package session

import (
	"context"
	"sync"
)

// Session is the per-chat ownership token. At most one caller holds the
// token at a time; waiters are served first-requested-first-served
// (goroutines blocked on a channel receive are woken in FIFO order).
type Session struct {
	sem chan struct{}
}

func newSession() *Session {
	s := &Session{sem: make(chan struct{}, 1)}
	s.sem <- struct{}{}
	return s
}

// Acquire blocks until the session mutex is obtained or ctx is done.
// Acquisition is never refused; callers that want a bounded wait pass a
// context with a deadline.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case <-s.sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire obtains the mutex without blocking. It reports whether the
// mutex was obtained.
func (s *Session) TryAcquire() bool {
	select {
	case <-s.sem:
		return true
	default:
		return false
	}
}

// Release returns the token and wakes the next waiter, if any.
// Releasing an unheld session panics: it always indicates a caller bug.
func (s *Session) Release() {
	select {
	case s.sem <- struct{}{}:
	default:
		panic("session: release of unheld session")
	}
}

// Registry maps chat ids to their sessions. All mutation goes through
// FindOrCreate and Remove; the map is never exposed.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// FindOrCreate returns the session for chatID, creating one with a free
// mutex if none exists. Unknown chat ids are never an error.
func (r *Registry) FindOrCreate(chatID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	if !ok {
		s = newSession()
		r.sessions[chatID] = s
	}
	return s
}

// Remove discards the registry entry for chatID. A holder of the session
// pointer can still release it; a later FindOrCreate starts fresh.
func (r *Registry) Remove(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, chatID)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
