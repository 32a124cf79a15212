package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/propwise/accessd/pkg/roles"
)

// Metrics holds the Prometheus collectors for the access engine. All Inc
// methods are safe on a nil receiver so callers can run unmetered.
type Metrics struct {
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	resolutions      *prometheus.CounterVec
	capabilityChecks *prometheus.CounterVec
	invitations      *prometheus.CounterVec
	memberships      *prometheus.CounterVec
	sweepRuns        *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with the given
// registry. A nil registry falls back to the default one.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessd_resolution_cache_hits_total",
			Help: "Number of access resolutions served from cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessd_resolution_cache_misses_total",
			Help: "Number of access resolutions that missed the cache",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessd_resolutions_total",
			Help: "Number of access resolutions by result",
		}, []string{"result"}),
		capabilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessd_capability_checks_total",
			Help: "Number of capability checks by capability and outcome",
		}, []string{"capability", "allowed"}),
		invitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessd_invitations_total",
			Help: "Number of invitation operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		memberships: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessd_membership_changes_total",
			Help: "Number of membership mutations by operation",
		}, []string{"operation"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessd_sweep_runs_total",
			Help: "Number of background sweep runs by job and outcome",
		}, []string{"job", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessd_http_requests_total",
			Help: "Number of HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accessd_http_request_duration_seconds",
			Help:    "HTTP request latency by method and path",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	registry.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.resolutions,
		m.capabilityChecks,
		m.invitations,
		m.memberships,
		m.sweepRuns,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// IncCacheHit records a resolution served from cache.
func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// IncCacheMiss records a resolution that had to hit storage.
func (m *Metrics) IncCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// IncResolve records a completed resolution. Result is one of
// "legacy_owner", "member", "not_a_member" or "error".
func (m *Metrics) IncResolve(result string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(result).Inc()
}

// IncCapabilityCheck records a capability check and its outcome.
func (m *Metrics) IncCapabilityCheck(capability roles.Capability, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.capabilityChecks.WithLabelValues(string(capability), outcome).Inc()
}

// IncInvitation records an invitation operation, e.g. ("accept", "ok") or
// ("accept", "expired").
func (m *Metrics) IncInvitation(operation, outcome string) {
	if m == nil {
		return
	}
	m.invitations.WithLabelValues(operation, outcome).Inc()
}

// IncMembershipChange records a membership mutation, e.g. "grant",
// "change_role" or "revoke".
func (m *Metrics) IncMembershipChange(operation string) {
	if m == nil {
		return
	}
	m.memberships.WithLabelValues(operation).Inc()
}

// IncSweepRun records a background sweep run, e.g. ("expire_invitations",
// "ok").
func (m *Metrics) IncSweepRun(job, outcome string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(job, outcome).Inc()
}

// ObserveHTTPRequest records a completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(seconds)
}
