package invitations

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/observability"
	"github.com/propwise/accessd/pkg/roles"
)

// DefaultTTL is how long an invitation stays acceptable when the caller does
// not specify its own window.
const DefaultTTL = 7 * 24 * time.Hour

// ManagerConfig carries the manager's collaborators. Authorizer is required;
// everything else may be nil.
type ManagerConfig struct {
	Authorizer  membership.Authorizer
	Invalidator membership.Invalidator
	Sender      Sender
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	DefaultTTL  time.Duration
}

// Manager drives the invitation lifecycle against Postgres. Acceptance
// materializes a membership in the same transaction that resolves the
// invitation, so the two can never disagree.
type Manager struct {
	db      *sql.DB
	authz   membership.Authorizer
	inval   membership.Invalidator
	sender  Sender
	logger  *observability.Logger
	metrics *observability.Metrics
	ttl     time.Duration
}

// NewManager creates an invitation manager over db.
func NewManager(db *sql.DB, cfg ManagerConfig) *Manager {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		db:      db,
		authz:   cfg.Authorizer,
		inval:   cfg.Invalidator,
		sender:  cfg.Sender,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		ttl:     ttl,
	}
}

// Invite creates a pending invitation for inviteeEmail on the resource. The
// inviter must hold ManageUsers there. A zero ttl picks the default window;
// a negative ttl produces an invitation that is already past due, which only
// matters for tests and for pre-expired administrative holds.
func (m *Manager) Invite(ctx context.Context, resourceID, inviteeEmail string, role roles.Role, invitedBy string, ttl time.Duration) (*Invitation, error) {
	if _, err := roles.Capabilities(role); err != nil {
		return nil, err
	}
	if err := m.requireManageUsers(ctx, invitedBy, resourceID); err != nil {
		return nil, err
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	if ttl == 0 {
		ttl = m.ttl
	}
	now := time.Now()

	inv := &Invitation{
		ResourceID:   resourceID,
		InviteeEmail: inviteeEmail,
		Role:         role,
		InvitedBy:    invitedBy,
		Token:        token,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	err = m.db.QueryRowContext(ctx, `
		INSERT INTO invitations (resource_id, invitee_email, role, invited_by, token, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		RETURNING id
	`, inv.ResourceID, inv.InviteeEmail, inv.Role, inv.InvitedBy, inv.Token, inv.CreatedAt, inv.ExpiresAt).
		Scan(&inv.ID)
	if err != nil {
		return nil, wrapStore("failed to create invitation", err)
	}

	if m.sender != nil {
		if sendErr := m.sender.SendInvitation(ctx, inv); sendErr != nil && m.logger != nil {
			m.logger.WithError(sendErr).
				WithField("invitation_id", inv.ID).
				Warn("invitation created but delivery failed")
		}
	}

	m.metrics.IncInvitation("invite", "ok")
	return inv, nil
}

// Accept resolves the invitation identified by token and grants the role to
// acceptingPrincipal. Acceptance is idempotent: replaying a token that was
// already accepted returns the membership it produced instead of erroring, so
// duplicate network retries are harmless.
func (m *Manager) Accept(ctx context.Context, token, acceptingPrincipal string) (*membership.Membership, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStore("failed to begin accept", err)
	}
	defer tx.Rollback()

	var (
		id         int64
		resourceID string
		roleRaw    string
		invitedBy  string
		statusRaw  string
		expiresAt  time.Time
		acceptedBy sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, resource_id, role, invited_by, status, expires_at, accepted_by
		FROM invitations
		WHERE token = $1
		FOR UPDATE
	`, token).Scan(&id, &resourceID, &roleRaw, &invitedBy, &statusRaw, &expiresAt, &acceptedBy)
	if err == sql.ErrNoRows {
		m.metrics.IncInvitation("accept", "not_found")
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, wrapStore("failed to lock invitation", err)
	}

	switch Status(statusRaw) {
	case StatusAccepted:
		// replayed accept: hand back the membership it produced
		principal := acceptingPrincipal
		if acceptedBy.Valid {
			principal = acceptedBy.String
		}
		existing, lookErr := activeMembershipTx(ctx, tx, resourceID, principal)
		if lookErr != nil {
			return nil, lookErr
		}
		if existing == nil {
			return nil, fmt.Errorf("invitation %d accepted but membership since removed: %w", id, ErrInvitationAlreadyResolved)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, wrapStore("failed to commit accept replay", commitErr)
		}
		m.metrics.IncInvitation("accept", "replay")
		return existing, nil

	case StatusRevoked:
		m.metrics.IncInvitation("accept", "revoked")
		return nil, ErrInvitationAlreadyResolved

	case StatusExpired:
		m.metrics.IncInvitation("accept", "expired")
		return nil, ErrInvitationExpired
	}

	now := time.Now()
	if now.After(expiresAt) {
		// flip to expired even though no sweep has run yet
		if _, updErr := tx.ExecContext(ctx, `
			UPDATE invitations SET status = 'expired', resolved_at = $1 WHERE id = $2
		`, now, id); updErr != nil {
			return nil, wrapStore("failed to expire invitation", updErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, wrapStore("failed to commit expiry", commitErr)
		}
		m.metrics.IncInvitation("accept", "expired")
		return nil, ErrInvitationExpired
	}

	role := roles.Role(roleRaw)
	grant, grantErr := membership.GrantTx(ctx, tx, resourceID, acceptingPrincipal, role, invitedBy, &now)
	switch {
	case grantErr == nil:
	case errors.Is(grantErr, membership.ErrDuplicateActiveMembership):
		// a concurrent grant beat us; collapse onto the existing membership
		grant, err = activeMembershipTx(ctx, tx, resourceID, acceptingPrincipal)
		if err != nil {
			return nil, err
		}
		if grant == nil {
			return nil, wrapStore("failed to materialize membership", grantErr)
		}
	default:
		return nil, grantErr
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE invitations SET status = 'accepted', resolved_at = $1, accepted_by = $2 WHERE id = $3
	`, now, acceptingPrincipal, id); err != nil {
		return nil, wrapStore("failed to resolve invitation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStore("failed to commit accept", err)
	}

	if m.inval != nil {
		m.inval.InvalidateResolution(ctx, acceptingPrincipal, resourceID)
	}
	m.metrics.IncInvitation("accept", "ok")
	m.metrics.IncMembershipChange("grant")
	return grant, nil
}

// Revoke withdraws a pending invitation. Idempotent: revoking one that
// already reached a terminal status is a no-op.
func (m *Manager) Revoke(ctx context.Context, invitationID int64, actingPrincipal string) error {
	var (
		resourceID string
		statusRaw  string
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT resource_id, status FROM invitations WHERE id = $1
	`, invitationID).Scan(&resourceID, &statusRaw)
	if err == sql.ErrNoRows {
		return ErrInvitationNotFound
	}
	if err != nil {
		return wrapStore("failed to load invitation", err)
	}

	if err := m.requireManageUsers(ctx, actingPrincipal, resourceID); err != nil {
		return err
	}

	if Status(statusRaw).Terminal() {
		return nil
	}

	// status recheck in the predicate guards the race with Accept
	_, err = m.db.ExecContext(ctx, `
		UPDATE invitations SET status = 'revoked', resolved_at = NOW() WHERE id = $1 AND status = 'pending'
	`, invitationID)
	if err != nil {
		return wrapStore("failed to revoke invitation", err)
	}

	m.metrics.IncInvitation("revoke", "ok")
	return nil
}

// ExpireDue sweeps every pending invitation whose window closed before now
// into EXPIRED, returning how many rows moved. Safe to run concurrently and
// repeatedly: the predicate only matches rows still pending.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE invitations SET status = 'expired', resolved_at = $1
		WHERE status = 'pending' AND expires_at < $1
	`, now)
	if err != nil {
		return 0, wrapStore("failed to expire due invitations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStore("failed to count expired invitations", err)
	}
	return n, nil
}

// GetByToken returns the invitation for a token regardless of status.
func (m *Manager) GetByToken(ctx context.Context, token string) (*Invitation, error) {
	return m.queryOne(ctx, `
		SELECT id, resource_id, invitee_email, role, invited_by, token, status, created_at, expires_at, resolved_at, accepted_by
		FROM invitations
		WHERE token = $1
	`, token)
}

// ListPendingForResource returns the resource's open invitations, newest
// first.
func (m *Manager) ListPendingForResource(ctx context.Context, resourceID string) ([]*Invitation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, resource_id, invitee_email, role, invited_by, token, status, created_at, expires_at, resolved_at, accepted_by
		FROM invitations
		WHERE resource_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
	`, resourceID)
	if err != nil {
		return nil, wrapStore("failed to list invitations", err)
	}
	defer rows.Close()

	var out []*Invitation
	for rows.Next() {
		inv, scanErr := scanInvitation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// PurgeResource deletes every invitation for a resource, whatever its status.
// Part of the resource-deletion cascade.
func (m *Manager) PurgeResource(ctx context.Context, resourceID string) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM invitations WHERE resource_id = $1`, resourceID)
	if err != nil {
		return 0, wrapStore("failed to purge invitations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStore("failed to count purged invitations", err)
	}
	return n, nil
}

func (m *Manager) requireManageUsers(ctx context.Context, actingPrincipal, resourceID string) error {
	// fail closed without an authorizer
	if m.authz == nil {
		return fmt.Errorf("no authorizer configured: %w", membership.ErrForbidden)
	}
	ok, err := m.authz.HasCapability(ctx, actingPrincipal, resourceID, roles.CapManageUsers)
	if err != nil {
		return fmt.Errorf("failed to authorize %s on %s: %w", actingPrincipal, resourceID, err)
	}
	if !ok {
		return fmt.Errorf("principal %s lacks %s on %s: %w", actingPrincipal, roles.CapManageUsers, resourceID, membership.ErrForbidden)
	}
	return nil
}

func (m *Manager) queryOne(ctx context.Context, query string, args ...interface{}) (*Invitation, error) {
	inv, err := scanInvitation(m.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, wrapStore("failed to get invitation", err)
	}
	return inv, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvitation(row rowScanner) (*Invitation, error) {
	var (
		inv        Invitation
		resolvedAt sql.NullTime
		acceptedBy sql.NullString
	)
	err := row.Scan(
		&inv.ID, &inv.ResourceID, &inv.InviteeEmail, &inv.Role, &inv.InvitedBy,
		&inv.Token, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &resolvedAt, &acceptedBy,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		inv.ResolvedAt = &resolvedAt.Time
	}
	if acceptedBy.Valid {
		inv.AcceptedBy = &acceptedBy.String
	}
	return &inv, nil
}

func activeMembershipTx(ctx context.Context, tx *sql.Tx, resourceID, principalID string) (*membership.Membership, error) {
	var (
		mem        membership.Membership
		acceptedAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, resource_id, principal_id, role, status, granted_by, granted_at, accepted_at, updated_at
		FROM memberships
		WHERE resource_id = $1 AND principal_id = $2 AND status = 'active'
	`, resourceID, principalID).Scan(
		&mem.ID, &mem.ResourceID, &mem.PrincipalID, &mem.Role, &mem.Status,
		&mem.GrantedBy, &mem.GrantedAt, &acceptedAt, &mem.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStore("failed to load membership", err)
	}
	if acceptedAt.Valid {
		mem.AcceptedAt = &acceptedAt.Time
	}
	return &mem, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
