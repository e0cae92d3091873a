package core

import (
	"sync"
	"time"
)

type RequestLogEntry struct {
	Time   time.Time `json:"time"`
	Method string    `json:"method"`
	Path   string    `json:"path"`
	Status int       `json:"status"`
}

type Session struct {
	Id              string            `json:"session_id"`
	TargetId        string            `json:"target_id"`
	RemoteAddr      string            `json:"remote_addr"`
	UserAgent       string            `json:"useragent"`
	LandingPath     string            `json:"landing_path"`
	CreateTime      time.Time         `json:"create_time"`
	UpdateTime      time.Time         `json:"update_time"`
	Cookies         map[string]string `json:"cookies"`
	Credentials     map[string]string `json:"credentials"`
	Tokens          map[string]string `json:"tokens"`
	Requests        []RequestLogEntry `json:"requests"`
	Authenticated   bool              `json:"authenticated"`
	AuthenticatedAt time.Time         `json:"authenticated_at"`

	mtx sync.Mutex
}

func NewSession(target_id string) *Session {
	return &Session{
		Id:          GenRandomToken()[:32],
		TargetId:    target_id,
		CreateTime:  time.Now(),
		UpdateTime:  time.Now(),
		Cookies:     make(map[string]string),
		Credentials: make(map[string]string),
		Tokens:      make(map[string]string),
	}
}

// MergeCookies is last-write-wins per cookie name; the jar only grows.
func (s *Session) MergeCookies(cookies map[string]string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for k, v := range cookies {
		s.Cookies[k] = v
	}
	s.UpdateTime = time.Now()
}

func (s *Session) SetCookie(name string, value string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.Cookies[name] = value
	s.UpdateTime = time.Now()
}

func (s *Session) MergeCredentials(creds map[string]string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for k, v := range creds {
		s.Credentials[k] = v
	}
	s.UpdateTime = time.Now()
}

func (s *Session) SetToken(name string, value string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.Tokens[name] = value
	s.UpdateTime = time.Now()
}

// Authenticate flips the flag at most once; later calls never move the
// timestamp.
func (s *Session) Authenticate() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.Authenticated {
		return false
	}
	s.Authenticated = true
	s.AuthenticatedAt = time.Now()
	s.UpdateTime = s.AuthenticatedAt
	return true
}

func (s *Session) IsAuthenticated() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.Authenticated
}

func (s *Session) LogRequest(method string, path string, status int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.Requests = append(s.Requests, RequestLogEntry{
		Time:   time.Now(),
		Method: method,
		Path:   path,
		Status: status,
	})
	s.UpdateTime = time.Now()
}

// CookiesCopy returns a snapshot safe to iterate while the relay keeps
// merging new Set-Cookie values.
func (s *Session) CookiesCopy() map[string]string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ret := make(map[string]string, len(s.Cookies))
	for k, v := range s.Cookies {
		ret[k] = v
	}
	return ret
}

func (s *Session) CredentialsCopy() map[string]string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ret := make(map[string]string, len(s.Credentials))
	for k, v := range s.Credentials {
		ret[k] = v
	}
	return ret
}

func (s *Session) TokensCopy() map[string]string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ret := make(map[string]string, len(s.Tokens))
	for k, v := range s.Tokens {
		ret[k] = v
	}
	return ret
}

func (s *Session) CookieCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.Cookies)
}

func (s *Session) CredentialCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.Credentials)
}
