package api

import (
	"net/http"

	"github.com/propwise/accessd/pkg/httputil"
	"github.com/propwise/accessd/pkg/middleware"
)

type upsertResourceRequest struct {
	LegacyOwner *string `json:"legacy_owner,omitempty"`
}

// upsertResource records or refreshes a resource reference. This is the sync
// hook the external resource store calls; the edge proxy restricts who can
// reach it.
func (s *Server) upsertResource(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var req upsertResourceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	previousOwner := s.legacyOwner(r, resourceID)

	if err := s.directory.Upsert(r.Context(), resourceID, req.LegacyOwner); err != nil {
		httputil.WriteEngineError(w, err)
		return
	}

	// Cached decisions keyed on the old or new owner are stale now.
	s.invalidateOwner(r, resourceID, previousOwner)
	if req.LegacyOwner != nil && *req.LegacyOwner != previousOwner {
		s.invalidateOwner(r, resourceID, *req.LegacyOwner)
	}
	httputil.WriteNoContent(w)
}

// deleteResource handles the resource store's deletion event: memberships and
// invitations for the resource are purged in cascade, then the reference
// itself goes.
func (s *Server) deleteResource(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	previousOwner := s.legacyOwner(r, resourceID)

	memberships, err := s.store.PurgeResource(r.Context(), resourceID)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	invites, err := s.invitations.PurgeResource(r.Context(), resourceID)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	if err := s.directory.Delete(r.Context(), resourceID); err != nil {
		httputil.WriteEngineError(w, err)
		return
	}

	// The former legacy owner would otherwise keep a cached OWNER decision
	// until the TTL runs out.
	s.invalidateOwner(r, resourceID, previousOwner)

	s.logger.WithFields(map[string]interface{}{
		"resource_id":         resourceID,
		"actor":               middleware.Principal(r),
		"purged_memberships":  memberships,
		"purged_invitations":  invites,
	}).Info("resource deleted with cascade")

	httputil.WriteSuccess(w, map[string]interface{}{
		"resource_id":         resourceID,
		"purged_memberships":  memberships,
		"purged_invitations":  invites,
	})
}

// legacyOwner returns the resource's current legacy owner, or "" when the
// resource is unknown or has none.
func (s *Server) legacyOwner(r *http.Request, resourceID string) string {
	owner, ok, err := s.directory.LegacyOwner(r.Context(), resourceID)
	if err != nil || !ok {
		return ""
	}
	return owner
}

func (s *Server) invalidateOwner(r *http.Request, resourceID, owner string) {
	if s.invalidator == nil || owner == "" {
		return
	}
	s.invalidator.InvalidateResolution(r.Context(), owner, resourceID)
}

// reconcile runs a synchronous backfill pass. Normally the sweeper drives
// this on a schedule; the endpoint exists for operators.
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := s.reconciler.Reconcile(r.Context())
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}
