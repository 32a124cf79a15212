// Package invitations manages the pending-grant lifecycle: an invitation is a
// time-bounded, revocable offer of a role that materializes into a membership
// on acceptance. State moves only forward: PENDING to exactly one of
// ACCEPTED, EXPIRED or REVOKED, never back.
package invitations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/roles"
)

// Status is the lifecycle state of an invitation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Invitation is a pending grant of a role on a resource.
type Invitation struct {
	ID           int64      `json:"id"`
	ResourceID   string     `json:"resource_id"`
	InviteeEmail string     `json:"invitee_email"`
	Role         roles.Role `json:"role"`
	InvitedBy    string     `json:"invited_by"`
	Token        string     `json:"token"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	AcceptedBy   *string    `json:"accepted_by,omitempty"`
}

// Sender delivers the invitation token to the invitee. The engine never sends
// mail itself; delivery failures do not roll back the invitation.
type Sender interface {
	SendInvitation(ctx context.Context, inv *Invitation) error
}

var (
	// ErrInvitationNotFound indicates the token or id references no
	// invitation.
	ErrInvitationNotFound = errors.New("invitation not found")

	// ErrInvitationExpired indicates expires_at is in the past. Accept
	// flips the row to EXPIRED as a side effect even before any sweep.
	ErrInvitationExpired = errors.New("invitation expired")

	// ErrInvitationAlreadyResolved indicates the invitation reached a
	// terminal status through another path, so this call cannot claim it.
	ErrInvitationAlreadyResolved = errors.New("invitation already resolved")
)

// Reuses the membership transient classification so callers see one
// Unavailable error kind across the whole engine.
func wrapStore(msg string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %v: %w", msg, err, membership.ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code.Class()) {
		case "08", "53", "57":
			return true
		}
	}
	return false
}
