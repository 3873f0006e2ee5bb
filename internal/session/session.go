// Package session holds pending proposal sessions between search and
// confirmation. The store is process-local by design: a crash before
// confirmation loses the pending proposal, which is an accepted
// trade-off. A hard expiry keeps an abandoned proposal from being
// confirmed later against a stale calendar snapshot.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"smartcal/internal/model"
)

var (
	// ErrNotFound means the session id is unknown; the user must re-search.
	ErrNotFound = errors.New("proposal session not found")
	// ErrExpired means the session outlived its TTL; the user must re-search.
	ErrExpired = errors.New("proposal session expired")
)

// Session is the server-side record of ranked candidates awaiting user
// confirmation.
type Session struct {
	ID        string
	Request   model.SlotRequest
	Proposals []model.CandidateSlot
	Relax     bool
	CreatedAt time.Time
}

// Store is a bounded, expiring in-memory session store. The clock is
// injected so tests control expiry deterministically.
type Store struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*Session
}

// NewStore creates a Store with the given session lifetime. A nil now
// func defaults to time.Now.
func NewStore(ttl time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session with a fresh identifier and returns it.
func (s *Store) Create(req model.SlotRequest, proposals []model.CandidateSlot, relax bool) *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		Request:   req,
		Proposals: proposals,
		Relax:     relax,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess
}

// Consume looks up a session and removes it in the same critical
// section, so at most one confirm call ever sees it. Expired sessions
// are removed and reported as ErrExpired.
func (s *Store) Consume(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.sessions, id)

	if s.now().Sub(sess.CreatedAt) > s.ttl {
		return nil, ErrExpired
	}
	return sess, nil
}

// Sweep drops expired sessions and returns how many were removed.
// Intended for a periodic janitor in serve mode.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := s.now()
	for id, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of live (possibly expired, not yet swept)
// sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
