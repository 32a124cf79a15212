package membership

import (
	"context"
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrForbidden indicates the acting principal lacks the required
	// capability. Never downgraded to a silent no-op.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates no active membership exists for the pair.
	ErrNotFound = errors.New("membership not found")

	// ErrDuplicateActiveMembership indicates an ACTIVE membership already
	// exists for the (resource, principal) pair. Callers change the role
	// instead of granting again.
	ErrDuplicateActiveMembership = errors.New("active membership already exists")

	// ErrUnavailable indicates a transient store failure. Safe to retry:
	// every mutating operation is idempotent or re-checkable.
	ErrUnavailable = errors.New("store unavailable")
)

// Postgres error classes that signal transient trouble rather than a logic
// error: connection exceptions, insufficient resources, operator intervention.
var transientPQClasses = map[string]bool{
	"08": true,
	"53": true,
	"57": true,
}

// isUniqueViolation reports whether err is the unique constraint firing on
// (resource_id, principal_id) under concurrent inserts.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientPQClasses[string(pqErr.Code.Class())]
	}
	return false
}
