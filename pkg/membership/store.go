package membership

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/propwise/accessd/pkg/roles"
)

// Store provides durable membership persistence on PostgreSQL.
type Store struct {
	db    *sql.DB
	authz Authorizer
	inval Invalidator
}

// NewStore creates a membership store over the given connection. The returned
// store has no authorizer bound: mutations requiring ManageUsers fail closed
// until WithAuthorizer is called. The access resolver reads through an unbound
// store so its queries can never recurse into capability evaluation.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithAuthorizer returns a store that consults a for capability checks on
// ChangeRole and Revoke.
func (s *Store) WithAuthorizer(a Authorizer) *Store {
	copied := *s
	copied.authz = a
	return &copied
}

// WithInvalidator returns a store that drops cached resolutions after
// successful mutations.
func (s *Store) WithInvalidator(i Invalidator) *Store {
	copied := *s
	copied.inval = i
	return &copied
}

const membershipColumns = `id, resource_id, principal_id, role, status, granted_by, granted_at, accepted_at, revoked_at, updated_at`

// Grant creates an ACTIVE membership for the pair. A prior revoked or removed
// row for the same pair is reactivated in place rather than duplicated. Fails
// with ErrDuplicateActiveMembership when an ACTIVE row already exists,
// including when a concurrent Grant wins the uniqueness race.
func (s *Store) Grant(ctx context.Context, resourceID, principalID string, role roles.Role, grantedBy string) (*Membership, error) {
	if _, err := roles.Capabilities(role); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStore("failed to begin grant", err)
	}
	defer tx.Rollback()

	m, err := GrantTx(ctx, tx, resourceID, principalID, role, grantedBy, nil)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStore("failed to commit grant", err)
	}

	s.invalidate(ctx, principalID, resourceID)
	return m, nil
}

// GrantTx performs the grant inside an existing transaction. The invitation
// manager uses it so accepting an invitation flips the invitation and
// materializes the membership in the same unit of work.
func GrantTx(ctx context.Context, tx *sql.Tx, resourceID, principalID string, role roles.Role, grantedBy string, acceptedAt *time.Time) (*Membership, error) {
	var (
		existingID     int64
		existingRole   string
		existingStatus string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, role, status
		FROM memberships
		WHERE resource_id = $1 AND principal_id = $2
		FOR UPDATE
	`, resourceID, principalID).Scan(&existingID, &existingRole, &existingStatus)

	m := &Membership{
		ResourceID:  resourceID,
		PrincipalID: principalID,
		Role:        role,
		Status:      StatusActive,
		GrantedBy:   grantedBy,
		AcceptedAt:  acceptedAt,
	}

	switch {
	case err == sql.ErrNoRows:
		insertErr := tx.QueryRowContext(ctx, `
			INSERT INTO memberships (resource_id, principal_id, role, status, granted_by, granted_at, accepted_at, updated_at)
			VALUES ($1, $2, $3, 'active', $4, NOW(), $5, NOW())
			RETURNING id, granted_at, updated_at
		`, resourceID, principalID, role, grantedBy, nullTime(acceptedAt)).
			Scan(&m.ID, &m.GrantedAt, &m.UpdatedAt)
		if insertErr != nil {
			return nil, wrapStore("failed to insert membership", insertErr)
		}
		if histErr := appendHistory(ctx, tx, m, nil, nil, grantedBy); histErr != nil {
			return nil, histErr
		}
		return m, nil

	case err != nil:
		return nil, wrapStore("failed to lock membership row", err)

	default:
		if Status(existingStatus) == StatusActive {
			return nil, fmt.Errorf("pair (%s, %s): %w", resourceID, principalID, ErrDuplicateActiveMembership)
		}

		m.ID = existingID
		updateErr := tx.QueryRowContext(ctx, `
			UPDATE memberships
			SET role = $1, status = 'active', granted_by = $2, granted_at = NOW(), accepted_at = $3, revoked_at = NULL, updated_at = NOW()
			WHERE id = $4
			RETURNING granted_at, updated_at
		`, role, grantedBy, nullTime(acceptedAt), existingID).
			Scan(&m.GrantedAt, &m.UpdatedAt)
		if updateErr != nil {
			return nil, wrapStore("failed to reactivate membership", updateErr)
		}

		oldRole := roles.Role(existingRole)
		oldStatus := Status(existingStatus)
		if histErr := appendHistory(ctx, tx, m, &oldRole, &oldStatus, grantedBy); histErr != nil {
			return nil, histErr
		}
		return m, nil
	}
}

// ChangeRole updates the role of an ACTIVE membership. The acting principal
// must hold ManageUsers on the resource.
func (s *Store) ChangeRole(ctx context.Context, resourceID, principalID string, newRole roles.Role, actingPrincipal string) (*Membership, error) {
	if _, err := roles.Capabilities(newRole); err != nil {
		return nil, err
	}
	if err := s.requireManageUsers(ctx, actingPrincipal, resourceID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStore("failed to begin role change", err)
	}
	defer tx.Rollback()

	var (
		id             int64
		existingRole   string
		existingStatus string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, role, status
		FROM memberships
		WHERE resource_id = $1 AND principal_id = $2
		FOR UPDATE
	`, resourceID, principalID).Scan(&id, &existingRole, &existingStatus)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pair (%s, %s): %w", resourceID, principalID, ErrNotFound)
	}
	if err != nil {
		return nil, wrapStore("failed to lock membership row", err)
	}
	if Status(existingStatus) != StatusActive {
		return nil, fmt.Errorf("pair (%s, %s): %w", resourceID, principalID, ErrNotFound)
	}

	m := &Membership{
		ID:          id,
		ResourceID:  resourceID,
		PrincipalID: principalID,
		Role:        newRole,
		Status:      StatusActive,
	}
	var acceptedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		UPDATE memberships
		SET role = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING granted_by, granted_at, accepted_at, updated_at
	`, newRole, id).Scan(&m.GrantedBy, &m.GrantedAt, &acceptedAt, &m.UpdatedAt)
	if err != nil {
		return nil, wrapStore("failed to update membership role", err)
	}
	if acceptedAt.Valid {
		m.AcceptedAt = &acceptedAt.Time
	}

	oldRole := roles.Role(existingRole)
	oldStatus := StatusActive
	if err := appendHistory(ctx, tx, m, &oldRole, &oldStatus, actingPrincipal); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStore("failed to commit role change", err)
	}

	s.invalidate(ctx, principalID, resourceID)
	return m, nil
}

// Revoke sets the pair's membership to REVOKED. Revoking an absent or already
// revoked membership is a no-op, not an error. The acting principal must hold
// ManageUsers on the resource; the check runs even when there is nothing to
// revoke.
func (s *Store) Revoke(ctx context.Context, resourceID, principalID, actingPrincipal string) error {
	if err := s.requireManageUsers(ctx, actingPrincipal, resourceID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStore("failed to begin revoke", err)
	}
	defer tx.Rollback()

	var (
		id             int64
		existingRole   string
		existingStatus string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, role, status
		FROM memberships
		WHERE resource_id = $1 AND principal_id = $2
		FOR UPDATE
	`, resourceID, principalID).Scan(&id, &existingRole, &existingStatus)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return wrapStore("failed to lock membership row", err)
	}
	if Status(existingStatus) != StatusActive {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memberships
		SET status = 'revoked', revoked_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return wrapStore("failed to revoke membership", err)
	}

	m := &Membership{
		ID:          id,
		ResourceID:  resourceID,
		PrincipalID: principalID,
		Role:        roles.Role(existingRole),
		Status:      StatusRevoked,
	}
	oldRole := roles.Role(existingRole)
	oldStatus := StatusActive
	if err := appendHistory(ctx, tx, m, &oldRole, &oldStatus, actingPrincipal); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapStore("failed to commit revoke", err)
	}

	s.invalidate(ctx, principalID, resourceID)
	return nil
}

// ActiveForPair returns the single ACTIVE membership for the pair, or
// (nil, nil) when none exists. Absence of access is not an error.
func (s *Store) ActiveForPair(ctx context.Context, resourceID, principalID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE resource_id = $1 AND principal_id = $2 AND status = 'active'
	`, resourceID, principalID)

	m, err := scanMembership(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStore("failed to get membership", err)
	}
	return m, nil
}

// ListActiveForPrincipal returns every ACTIVE membership the principal holds.
func (s *Store) ListActiveForPrincipal(ctx context.Context, principalID string) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE principal_id = $1 AND status = 'active'
		ORDER BY granted_at ASC
	`, principalID)
	if err != nil {
		return nil, wrapStore("failed to list memberships for principal", err)
	}
	defer rows.Close()
	return collectMemberships(rows)
}

// ListActiveForResource returns every ACTIVE membership on the resource.
func (s *Store) ListActiveForResource(ctx context.Context, resourceID string) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE resource_id = $1 AND status = 'active'
		ORDER BY granted_at ASC
	`, resourceID)
	if err != nil {
		return nil, wrapStore("failed to list memberships for resource", err)
	}
	defer rows.Close()
	return collectMemberships(rows)
}

// HistoryForResource returns the most recent mutation records for a resource.
func (s *Store) HistoryForResource(ctx context.Context, resourceID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, membership_id, resource_id, principal_id, old_role, new_role, old_status, new_status, changed_by, changed_at
		FROM membership_history
		WHERE resource_id = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`, resourceID, limit)
	if err != nil {
		return nil, wrapStore("failed to list membership history", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var oldRole, oldStatus sql.NullString
		if err := rows.Scan(&e.ID, &e.MembershipID, &e.ResourceID, &e.PrincipalID,
			&oldRole, &e.NewRole, &oldStatus, &e.NewStatus, &e.ChangedBy, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if oldRole.Valid {
			r := roles.Role(oldRole.String)
			e.OldRole = &r
		}
		if oldStatus.Valid {
			st := Status(oldStatus.String)
			e.OldStatus = &st
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeResource archives every ACTIVE membership on a deleted resource. The
// rows move to REMOVED with history preserved; the caller is the resource
// deletion event subscriber. Returns the number of memberships archived.
func (s *Store) PurgeResource(ctx context.Context, resourceID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapStore("failed to begin purge", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT principal_id FROM memberships
		WHERE resource_id = $1 AND status = 'active'
		FOR UPDATE
	`, resourceID)
	if err != nil {
		return 0, wrapStore("failed to lock memberships for purge", err)
	}
	var principals []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan principal: %w", err)
		}
		principals = append(principals, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, wrapStore("failed to read memberships for purge", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO membership_history (membership_id, resource_id, principal_id, old_role, new_role, old_status, new_status, changed_by, changed_at)
		SELECT id, resource_id, principal_id, role, role, status, 'removed', 'system:resource-deletion', NOW()
		FROM memberships
		WHERE resource_id = $1 AND status = 'active'
	`, resourceID)
	if err != nil {
		return 0, wrapStore("failed to append purge history", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE memberships
		SET status = 'removed', updated_at = NOW()
		WHERE resource_id = $1 AND status = 'active'
	`, resourceID)
	if err != nil {
		return 0, wrapStore("failed to purge memberships", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapStore("failed to commit purge", err)
	}

	for _, p := range principals {
		s.invalidate(ctx, p, resourceID)
	}
	return affected, nil
}

func (s *Store) requireManageUsers(ctx context.Context, actingPrincipal, resourceID string) error {
	if s.authz == nil {
		return fmt.Errorf("no authorizer bound: %w", ErrForbidden)
	}
	ok, err := s.authz.HasCapability(ctx, actingPrincipal, resourceID, roles.CapManageUsers)
	if err != nil {
		return wrapStore("failed to check capability", err)
	}
	if !ok {
		return fmt.Errorf("principal %s lacks %s on %s: %w", actingPrincipal, roles.CapManageUsers, resourceID, ErrForbidden)
	}
	return nil
}

func (s *Store) invalidate(ctx context.Context, principalID, resourceID string) {
	if s.inval != nil {
		s.inval.InvalidateResolution(ctx, principalID, resourceID)
	}
}

func appendHistory(ctx context.Context, tx *sql.Tx, m *Membership, oldRole *roles.Role, oldStatus *Status, changedBy string) error {
	var oldRoleVal, oldStatusVal sql.NullString
	if oldRole != nil {
		oldRoleVal = sql.NullString{String: string(*oldRole), Valid: true}
	}
	if oldStatus != nil {
		oldStatusVal = sql.NullString{String: string(*oldStatus), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO membership_history (membership_id, resource_id, principal_id, old_role, new_role, old_status, new_status, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, m.ID, m.ResourceID, m.PrincipalID, oldRoleVal, m.Role, oldStatusVal, m.Status, changedBy)
	if err != nil {
		return wrapStore("failed to append membership history", err)
	}
	return nil
}

func wrapStore(msg string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", msg, ErrDuplicateActiveMembership)
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %v: %w", msg, err, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMembership(row rowScanner) (*Membership, error) {
	m := &Membership{}
	var acceptedAt, revokedAt sql.NullTime
	err := row.Scan(&m.ID, &m.ResourceID, &m.PrincipalID, &m.Role, &m.Status,
		&m.GrantedBy, &m.GrantedAt, &acceptedAt, &revokedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if acceptedAt.Valid {
		m.AcceptedAt = &acceptedAt.Time
	}
	if revokedAt.Valid {
		m.RevokedAt = &revokedAt.Time
	}
	return m, nil
}

func collectMemberships(rows *sql.Rows) ([]*Membership, error) {
	var memberships []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}
