package api

import (
	"net/http"
	"time"

	"github.com/propwise/accessd/pkg/httputil"
	"github.com/propwise/accessd/pkg/middleware"
	"github.com/propwise/accessd/pkg/roles"
)

type createInvitationRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	// TTLSeconds overrides the default invitation window when positive
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

type acceptInvitationRequest struct {
	Token string `json:"token"`
}

func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var req createInvitationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.WriteBadRequest(w, "email is required")
		return
	}
	role, err := roles.Parse(req.Role)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	inv, err := s.invitations.Invite(r.Context(), resourceID, req.Email, role, middleware.Principal(r), ttl)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	httputil.WriteCreated(w, inv)
}

func (s *Server) listInvitations(w http.ResponseWriter, r *http.Request) {
	resourceID, err := httputil.PathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	invs, err := s.invitations.ListPendingForResource(r.Context(), resourceID)
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"resource_id": resourceID,
		"invitations": invs,
	})
}

func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptInvitationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Token == "" {
		httputil.WriteBadRequest(w, "token is required")
		return
	}

	m, err := s.invitations.Accept(r.Context(), req.Token, middleware.Principal(r))
	if err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

func (s *Server) revokeInvitation(w http.ResponseWriter, r *http.Request) {
	invitationID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := s.invitations.Revoke(r.Context(), invitationID, middleware.Principal(r)); err != nil {
		httputil.WriteEngineError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
