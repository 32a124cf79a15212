// Package api exposes the access engine over HTTP: membership management,
// the invitation lifecycle, access resolution and the reconciliation
// endpoint, all keyed by the principal the edge proxy authenticates.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/propwise/accessd/pkg/access"
	"github.com/propwise/accessd/pkg/backfill"
	"github.com/propwise/accessd/pkg/httputil"
	"github.com/propwise/accessd/pkg/invitations"
	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/middleware"
	"github.com/propwise/accessd/pkg/observability"
)

// Server wires the engine's components to the HTTP surface.
type Server struct {
	store       *membership.Store
	resolver    *access.Resolver
	invitations *invitations.Manager
	reconciler  *backfill.Reconciler
	directory   *access.PostgresDirectory
	invalidator membership.Invalidator
	router      *mux.Router
	logger      *observability.Logger
	metrics     *observability.Metrics

	principalHeader string
}

// ServerConfig carries the server's collaborators.
type ServerConfig struct {
	Store       *membership.Store
	Resolver    *access.Resolver
	Invitations *invitations.Manager
	Reconciler  *backfill.Reconciler
	Directory   *access.PostgresDirectory
	Invalidator membership.Invalidator
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	// PrincipalHeader overrides the default header carrying the principal
	PrincipalHeader string
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	s := &Server{
		store:           cfg.Store,
		resolver:        cfg.Resolver,
		invitations:     cfg.Invitations,
		reconciler:      cfg.Reconciler,
		directory:       cfg.Directory,
		invalidator:     cfg.Invalidator,
		router:          mux.NewRouter(),
		logger:          logger,
		metrics:         cfg.Metrics,
		principalHeader: cfg.PrincipalHeader,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.TracingMiddleware,
		httputil.RequestIDMiddleware,
		middleware.ExtractPrincipal(s.principalHeader),
		httputil.LoggingMiddleware(s.logger),
		httputil.MetricsMiddleware(s.metrics),
		httputil.RecoveryMiddleware,
	)

	authed := s.router.PathPrefix("/v1").Subrouter()
	authed.Use(middleware.RequirePrincipal)

	// membership management
	authed.HandleFunc("/resources/{id}/memberships", s.grantMembership).Methods("POST")
	authed.HandleFunc("/resources/{id}/memberships", s.listMemberships).Methods("GET")
	authed.HandleFunc("/resources/{id}/memberships/{principal}", s.changeRole).Methods("PUT")
	authed.HandleFunc("/resources/{id}/memberships/{principal}", s.revokeMembership).Methods("DELETE")
	authed.HandleFunc("/resources/{id}/history", s.membershipHistory).Methods("GET")

	// invitation lifecycle
	authed.HandleFunc("/resources/{id}/invitations", s.createInvitation).Methods("POST")
	authed.HandleFunc("/resources/{id}/invitations", s.listInvitations).Methods("GET")
	authed.HandleFunc("/invitations/accept", s.acceptInvitation).Methods("POST")
	authed.HandleFunc("/invitations/{id}", s.revokeInvitation).Methods("DELETE")

	// access resolution
	authed.HandleFunc("/resources/{id}/access", s.resolveAccess).Methods("GET")
	authed.HandleFunc("/resources/{id}/check/{capability}", s.checkCapability).Methods("GET")
	authed.HandleFunc("/me/resources", s.accessibleResources).Methods("GET")

	// resource reference sync and administration
	authed.HandleFunc("/resources/{id}", s.upsertResource).Methods("PUT")
	authed.HandleFunc("/resources/{id}", s.deleteResource).Methods("DELETE")
	authed.HandleFunc("/admin/reconcile", s.reconcile).Methods("POST")
}

// Router returns the configured handler for mounting.
func (s *Server) Router() http.Handler {
	return s.router
}
