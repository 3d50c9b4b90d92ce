package daemon

import "sync"

// sessionTable is the process-wide mapping from session name to session,
// guarded by one exclusive lock. Handlers must extract the *Session pointer
// they need and release the lock before doing any blocking I/O on it — the
// lock itself is never held across blocking calls.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*Session)}
}

func (t *sessionTable) get(name string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[name]
	return s, ok
}

func (t *sessionTable) insert(name string, s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[name] = s
}

func (t *sessionTable) remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, name)
}

// iter returns a snapshot slice of (name, *Session) pairs. Safe to range
// over without holding the table lock.
func (t *sessionTable) iter() []namedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]namedSession, 0, len(t.sessions))
	for name, s := range t.sessions {
		out = append(out, namedSession{name: name, session: s})
	}
	return out
}

type namedSession struct {
	name    string
	session *Session
}
