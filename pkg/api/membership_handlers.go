package api

import (
	"net/http"
	"strconv"

	"github.com/propwise/accessd/pkg/httputil"
	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/middleware"
	"github.com/propwise/accessd/pkg/roles"
)

type grantRequest struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

// grantMembership creates a membership directly, bypassing the invitation
// flow. The store itself leaves Grant unauthorized for bootstrap and backfill
// use, so the surface enforces ManageUsers here.
func (s *Server) grantMembership(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PrincipalID == "" {
		httputil.WriteBadRequest(w, "principal_id is required")
		return
	}
	role, err := roles.Parse(req.Role)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}

	actor := middleware.Principal(r)
	allowed, err := s.resolver.HasCapability(r.Context(), actor, resourceID, roles.CapManageUsers)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	if !allowed {
		httputil.WriteEngineError(w, membership.ErrForbidden)
		return
	}

	m, err := s.store.Grant(r.Context(), resourceID, req.PrincipalID, role, actor)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	s.metrics.IncMembershipChange("grant")
	httputil.WriteCreated(w, m)
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	principalID, err := httputil.PathString(r, "principal")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var req changeRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := roles.Parse(req.Role)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}

	m, err := s.store.ChangeRole(r.Context(), resourceID, principalID, role, middleware.Principal(r))
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	s.metrics.IncMembershipChange("change_role")
	httputil.WriteSuccess(w, m)
}

func (s *Server) revokeMembership(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	principalID, err := httputil.PathString(r, "principal")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := s.store.Revoke(r.Context(), resourceID, principalID, middleware.Principal(r)); err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	s.metrics.IncMembershipChange("revoke")
	httputil.WriteNoContent(w)
}

func (s *Server) listMemberships(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	members, err := s.store.ListActiveForResource(r.Context(), resourceID)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"resource_id": resourceID,
		"memberships": members,
	})
}

func (s *Server) membershipHistory(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.store.HistoryForResource(r.Context(), resourceID, limit)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"resource_id": resourceID,
		"history":     entries,
	})
}
