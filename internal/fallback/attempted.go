package fallback

import "sync"

// attemptedSet remembers the sessions offered a fallback during this
// process. It is never persisted and never shrinks.
//
// A session is in flight while one event is being evaluated for it; a
// second event for the same session is dropped until the first one
// either marks it attempted or releases it.
type attemptedSet struct {
	mu       sync.Mutex
	done     map[string]struct{}
	inFlight map[string]struct{}
}

func newAttemptedSet() *attemptedSet {
	return &attemptedSet{
		done:     make(map[string]struct{}),
		inFlight: make(map[string]struct{}),
	}
}

// begin claims sessionID for evaluation. It returns false when the
// session was already attempted or is being evaluated.
func (s *attemptedSet) begin(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.done[sessionID]; ok {
		return false
	}
	if _, ok := s.inFlight[sessionID]; ok {
		return false
	}
	s.inFlight[sessionID] = struct{}{}
	return true
}

// mark records sessionID as attempted.
func (s *attemptedSet) mark(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[sessionID] = struct{}{}
}

// release ends the evaluation started by begin.
func (s *attemptedSet) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, sessionID)
}

func (s *attemptedSet) contains(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[sessionID]
	return ok
}

func (s *attemptedSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}
