// Package middleware carries the request-level concerns of the engine's HTTP
// surface. Authentication happens at the edge; this package only extracts the
// principal identity the trusted proxy forwards.
package middleware

import (
	"net/http"

	"github.com/propwise/accessd/pkg/httputil"
	"github.com/propwise/accessd/pkg/observability"
)

// DefaultPrincipalHeader is where the edge proxy places the authenticated
// principal id.
const DefaultPrincipalHeader = "X-Principal-Id"

// ExtractPrincipal lifts the forwarded principal id into the request context.
// Requests without one still pass; handlers that need an actor enforce it via
// RequirePrincipal.
func ExtractPrincipal(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultPrincipalHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if principalID := r.Header.Get(header); principalID != "" {
				r = r.WithContext(observability.WithPrincipalID(r.Context(), principalID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePrincipal rejects requests that arrived without a principal id.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.GetPrincipalID(r.Context()) == "" {
			httputil.WriteUnauthorized(w, "no authenticated principal")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Principal returns the acting principal for a request, empty when anonymous.
func Principal(r *http.Request) string {
	return observability.GetPrincipalID(r.Context())
}
