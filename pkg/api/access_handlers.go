package api

import (
	"net/http"

	"github.com/propwise/accessd/pkg/httputil"
	"github.com/propwise/accessd/pkg/middleware"
	"github.com/propwise/accessd/pkg/roles"
)

// resolveAccess reports the caller's effective role on a resource. A
// principal query parameter lets a manager inspect someone else's access;
// that requires ManageUsers on the resource.
func (s *Server) resolveAccess(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	actor := middleware.Principal(r)
	subject := actor
	if other := r.URL.Query().Get("principal"); other != "" && other != actor {
		allowed, err := s.resolver.HasCapability(r.Context(), actor, resourceID, roles.CapManageUsers)
		if err != nil {
			httputil.WriteEngineError(w, err)
			return
		}
		if !allowed {
			httputil.WriteErrorMessage(w, http.StatusForbidden, "you don't have permission to inspect other principals")
			return
		}
		subject = other
	}

	res, err := s.resolver.Resolve(r.Context(), subject, resourceID)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	if res == nil {
		httputil.WriteSuccess(w, map[string]interface{}{
			"resource_id":  resourceID,
			"principal_id": subject,
			"member":       false,
		})
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"resource_id":  res.ResourceID,
		"principal_id": res.PrincipalID,
		"member":       true,
		"role":         res.Role,
		"capabilities": res.Capabilities.List(),
		"legacy":       res.Legacy,
	})
}

func (s *Server) checkCapability(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	rawCap, err := httputil.PathString(r, "capability")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	capability, err := roles.ParseCapability(rawCap)
	if err != nil {
		httputil.WriteBadRequest(w, "unknown capability: "+rawCap)
		return
	}

	allowed, err := s.resolver.HasCapability(r.Context(), middleware.Principal(r), resourceID, capability)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"resource_id": resourceID,
		"capability":  capability,
		"allowed":     allowed,
	})
}

func (s *Server) accessibleResources(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.resolver.AccessibleResources(r.Context(), middleware.Principal(r))
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"resources": summaries,
	})
}
