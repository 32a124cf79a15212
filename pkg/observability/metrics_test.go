package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/propwise/accessd/pkg/roles"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}

	metrics.IncCacheHit()
	metrics.IncCacheHit()
	metrics.IncCacheMiss()

	if got := testutil.ToFloat64(metrics.cacheHits); got != 2 {
		t.Errorf("Expected 2 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.cacheMisses); got != 1 {
		t.Errorf("Expected 1 cache miss, got %v", got)
	}
}

func TestMetrics_Labels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.IncResolve("member")
	metrics.IncResolve("member")
	metrics.IncResolve("not_a_member")
	metrics.IncCapabilityCheck(roles.CapEditResource, true)
	metrics.IncCapabilityCheck(roles.CapManageUsers, false)
	metrics.IncInvitation("accept", "ok")
	metrics.IncMembershipChange("grant")
	metrics.IncSweepRun("expire_invitations", "ok")

	if got := testutil.ToFloat64(metrics.resolutions.WithLabelValues("member")); got != 2 {
		t.Errorf("Expected 2 member resolutions, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.capabilityChecks.WithLabelValues("edit_resource", "allowed")); got != 1 {
		t.Errorf("Expected 1 allowed edit_resource check, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.capabilityChecks.WithLabelValues("manage_users", "denied")); got != 1 {
		t.Errorf("Expected 1 denied manage_users check, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.invitations.WithLabelValues("accept", "ok")); got != 1 {
		t.Errorf("Expected 1 accept ok, got %v", got)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var metrics *Metrics

	metrics.IncCacheHit()
	metrics.IncCacheMiss()
	metrics.IncResolve("error")
	metrics.IncCapabilityCheck(roles.CapViewResource, true)
	metrics.IncInvitation("revoke", "ok")
	metrics.IncMembershipChange("revoke")
	metrics.IncSweepRun("reconcile", "error")
	metrics.ObserveHTTPRequest("GET", "/v1/resolve", "200", 0.01)
}
