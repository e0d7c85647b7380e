package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the process-wide session registry. Sessions are in-memory and
// evicted after an idle TTL by a background janitor.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a session store. When ttl is positive, a janitor goroutine
// evicts sessions idle for longer than ttl.
func NewStore(ttl time.Duration) *Store {
	s := &Store{
		sessions: make(map[uuid.UUID]*Session),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	if ttl > 0 {
		go s.janitor()
	}
	return s
}

// Put registers a session.
func (s *Store) Put(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

// Get returns a session by ID, or nil if absent or evicted.
func (s *Store) Get(id uuid.UUID) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Delete removes a session.
func (s *Store) Delete(id uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the janitor.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.evictIdle(now)
		}
	}
}

func (s *Store) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		sess.Lock()
		idle := now.Sub(sess.IdleSince())
		sess.Unlock()
		if idle > s.ttl {
			delete(s.sessions, id)
		}
	}
}
