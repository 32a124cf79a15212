package membership

import (
	"context"
	"time"

	"github.com/propwise/accessd/pkg/roles"
)

// Status represents the lifecycle state of a membership row.
type Status string

const (
	// StatusActive grants the membership's role.
	StatusActive Status = "active"
	// StatusRevoked is terminal; the principal's access was withdrawn.
	StatusRevoked Status = "revoked"
	// StatusRemoved marks rows archived by an administrator or a resource
	// deletion cascade.
	StatusRemoved Status = "removed"
)

// Membership links a principal to a property with a role and status.
type Membership struct {
	ID          int64      `json:"id"`
	ResourceID  string     `json:"resource_id"`
	PrincipalID string     `json:"principal_id"`
	Role        roles.Role `json:"role"`
	Status      Status     `json:"status"`
	GrantedBy   string     `json:"granted_by"`
	GrantedAt   time.Time  `json:"granted_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HistoryEntry records one membership mutation; rows are append-only.
type HistoryEntry struct {
	ID           int64       `json:"id"`
	MembershipID int64       `json:"membership_id"`
	ResourceID   string      `json:"resource_id"`
	PrincipalID  string      `json:"principal_id"`
	OldRole      *roles.Role `json:"old_role,omitempty"`
	NewRole      roles.Role  `json:"new_role"`
	OldStatus    *Status     `json:"old_status,omitempty"`
	NewStatus    Status      `json:"new_status"`
	ChangedBy    string      `json:"changed_by"`
	ChangedAt    time.Time   `json:"changed_at"`
}

// Authorizer answers whether a principal holds a capability on a resource.
// Implemented by the access resolver; the store only consumes the interface
// so store code can never re-enter resolver internals.
type Authorizer interface {
	HasCapability(ctx context.Context, principalID, resourceID string, capability roles.Capability) (bool, error)
}

// Invalidator drops cached resolutions after a mutation so the mutating
// principal's next read observes the write.
type Invalidator interface {
	InvalidateResolution(ctx context.Context, principalID, resourceID string)
}
