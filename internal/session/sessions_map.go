package session

import "sync"

// syncSessions is the folder-keyed live session map.
type syncSessions struct {
	mu sync.Mutex
	m  map[string]*Session
}

func (s *syncSessions) get(folder string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[folder]
}

func (s *syncSessions) put(folder string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]*Session)
	}
	s.m[folder] = sess
}

// remove drops the entry only while it still points at sess, so a
// monitor firing late cannot evict a replacement session.
func (s *syncSessions) remove(folder string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[folder] == sess {
		delete(s.m, folder)
	}
}

func (s *syncSessions) folders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.m))
	for f := range s.m {
		out = append(out, f)
	}
	return out
}
