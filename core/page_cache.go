package core

import (
	"net/http"
	"sync"
	"time"
)

const DEFAULT_CACHE_TTL = 300 * time.Second

// CachedPage holds an already-rewritten response body together with the
// filtered upstream headers that accompanied it, so a cache hit replays
// the same header set as the original fetch.
type CachedPage struct {
	Content     []byte
	ContentType string
	Headers     http.Header

	expiresAt time.Time
}

// PageCache keeps rewritten GET responses per target and path so repeat
// visitors within the TTL window skip the upstream fetch entirely.
type PageCache struct {
	pages map[string]*CachedPage
	ttl   time.Duration
	mtx   sync.Mutex
}

func NewPageCache(ttl time.Duration) *PageCache {
	if ttl <= 0 {
		ttl = DEFAULT_CACHE_TTL
	}
	return &PageCache{
		pages: make(map[string]*CachedPage),
		ttl:   ttl,
	}
}

func cacheKey(target_id string, path string) string {
	return target_id + ":" + path
}

// Get lazily purges an expired entry on access.
func (pc *PageCache) Get(target_id string, path string) (*CachedPage, bool) {
	pc.mtx.Lock()
	defer pc.mtx.Unlock()
	key := cacheKey(target_id, path)
	page, ok := pc.pages[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(page.expiresAt) {
		delete(pc.pages, key)
		return nil, false
	}
	return page, true
}

func (pc *PageCache) Put(target_id string, path string, content []byte, content_type string, headers http.Header) {
	pc.mtx.Lock()
	defer pc.mtx.Unlock()
	pc.pages[cacheKey(target_id, path)] = &CachedPage{
		Content:     content,
		ContentType: content_type,
		Headers:     headers,
		expiresAt:   time.Now().Add(pc.ttl),
	}
}

// Purge drops every cached page belonging to a target.
func (pc *PageCache) Purge(target_id string) {
	pc.mtx.Lock()
	defer pc.mtx.Unlock()
	prefix := target_id + ":"
	for key := range pc.pages {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(pc.pages, key)
		}
	}
}

func (pc *PageCache) Len() int {
	pc.mtx.Lock()
	defer pc.mtx.Unlock()
	return len(pc.pages)
}
