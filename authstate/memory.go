package authstate

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/spotlink/telemetry"
)

// DefaultMaxPending bounds the number of live states held in memory.
const DefaultMaxPending = 10000

type entry struct {
	owner   int64
	issued  time.Time
	expires time.Time
}

// MemoryStore keeps states in process memory. States do not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]entry

	ttl        time.Duration
	maxPending int
	now        func() time.Time
}

// NewMemoryStore creates a store whose states live for ttl (DefaultTTL when <= 0).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		states:     make(map[string]entry),
		ttl:        ttl,
		maxPending: DefaultMaxPending,
		now:        time.Now,
	}
}

// SetMaxPending changes the live-state cap.
func (s *MemoryStore) SetMaxPending(n int) {
	s.mu.Lock()
	s.maxPending = n
	s.mu.Unlock()
}

func (s *MemoryStore) Issue(_ context.Context, ownerUserID int64) (string, error) {
	tok, err := NewToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if len(s.states) >= s.maxPending {
		s.sweepLocked(now)
		if len(s.states) >= s.maxPending {
			return "", ErrTooManyPending
		}
	}
	s.states[tok] = entry{owner: ownerUserID, issued: now, expires: now.Add(s.ttl)}
	telemetry.SetPendingStates(len(s.states))
	return tok, nil
}

func (s *MemoryStore) Consume(_ context.Context, token string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.states[token]
	if !found {
		return 0, false, nil
	}
	// removed whether or not it is still valid
	delete(s.states, token)
	telemetry.SetPendingStates(len(s.states))
	if !s.now().Before(e.expires) {
		return 0, false, nil
	}
	return e.owner, true, nil
}

// Sweep removes expired states and reports how many were dropped.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now()), nil
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	n := 0
	for tok, e := range s.states {
		if !now.Before(e.expires) {
			delete(s.states, tok)
			n++
		}
	}
	if n > 0 {
		telemetry.SetPendingStates(len(s.states))
	}
	return n
}

// Len reports the number of states held, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
