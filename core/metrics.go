package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the relay's Prometheus collectors. Registered against a
// private registry so tests can spin up relays without collector name
// collisions.
type Metrics struct {
	Registry *prometheus.Registry

	RelayedRequests  *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CapturedCreds    prometheus.Counter
	CapturedCookies  prometheus.Counter
	SessionsCreated  prometheus.Counter
	SessionsAuthed   prometheus.Counter
	ExternalRequests prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RelayedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Relayed requests by target and status class.",
		}, []string{"target", "status"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Failed upstream fetches by target.",
		}, []string{"target"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_page_cache_hits_total",
			Help: "Relay page cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_page_cache_misses_total",
			Help: "Relay page cache misses.",
		}),
		CapturedCreds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_captured_credentials_total",
			Help: "Credential fields captured from request bodies.",
		}),
		CapturedCookies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_captured_cookies_total",
			Help: "Cookies captured from upstream Set-Cookie headers.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Visitor sessions created.",
		}),
		SessionsAuthed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_authenticated_total",
			Help: "Sessions that reached an authenticated state.",
		}),
		ExternalRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_external_requests_total",
			Help: "Requests served through the external domain sub-proxy.",
		}),
	}
	m.Registry.MustRegister(
		m.RelayedRequests,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CapturedCreds,
		m.CapturedCookies,
		m.SessionsCreated,
		m.SessionsAuthed,
		m.ExternalRequests,
	)
	return m
}
