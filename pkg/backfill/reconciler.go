// Package backfill reconciles the legacy single-owner resource records with
// the membership model, synthesizing OWNER memberships so both
// representations stay consistent during the transition.
package backfill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/observability"
	"github.com/propwise/accessd/pkg/roles"
)

// SystemPrincipal is recorded as granted_by on synthesized memberships so
// history distinguishes backfilled grants from human ones.
const SystemPrincipal = "system:backfill"

// Result counts what a reconciliation pass found. Conflicting pairs are
// logged, never auto-corrected; resolving them is an operator call.
type Result struct {
	Consistent  int `json:"consistent"`
	Backfilled  int `json:"backfilled"`
	Conflicting int `json:"conflicting"`
}

// Granter is the slice of the membership store the reconciler mutates
// through.
type Granter interface {
	Grant(ctx context.Context, resourceID, principalID string, role roles.Role, grantedBy string) (*membership.Membership, error)
	ActiveForPair(ctx context.Context, resourceID, principalID string) (*membership.Membership, error)
}

// ReconcilerConfig carries the reconciler's optional collaborators.
type ReconcilerConfig struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Reconciler derives memberships from legacy_owner fields. Safe to re-run:
// a pass over an already-consistent database changes nothing.
type Reconciler struct {
	db      *sql.DB
	store   Granter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewReconciler creates a reconciler over db. The store handle must be an
// unbound one: backfill grants carry the system principal, not a human actor,
// so they bypass per-resource authorization.
func NewReconciler(db *sql.DB, store Granter, cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Reconciler{
		db:      db,
		store:   store,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

type legacyPair struct {
	resourceID string
	owner      string
	activeRole sql.NullString
}

// Reconcile walks every resource with a legacy owner and ensures an ACTIVE
// OWNER membership exists for the pair. Pairs already holding OWNER count as
// consistent; pairs active under a different role count as conflicting and
// are left alone.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	pairs, err := r.loadLegacyPairs(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, p := range pairs {
		switch {
		case p.activeRole.Valid && roles.Role(p.activeRole.String) == roles.RoleOwner:
			result.Consistent++

		case p.activeRole.Valid:
			result.Conflicting++
			r.logger.WithFields(map[string]interface{}{
				"resource_id":  p.resourceID,
				"legacy_owner": p.owner,
				"active_role":  p.activeRole.String,
			}).Warn("legacy owner holds a non-owner membership, leaving as is")

		default:
			if err := r.backfillPair(ctx, p, result); err != nil {
				return nil, err
			}
		}
	}

	r.logger.WithFields(map[string]interface{}{
		"consistent":  result.Consistent,
		"backfilled":  result.Backfilled,
		"conflicting": result.Conflicting,
	}).Info("reconciliation pass complete")
	return result, nil
}

func (r *Reconciler) loadLegacyPairs(ctx context.Context) ([]legacyPair, error) {
	// one active row per pair at most, so the join cannot fan out
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.id, r.legacy_owner, m.role
		FROM resources r
		LEFT JOIN memberships m
			ON m.resource_id = r.id AND m.principal_id = r.legacy_owner AND m.status = 'active'
		WHERE r.legacy_owner IS NOT NULL
		ORDER BY r.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy-owned resources: %w", err)
	}
	defer rows.Close()

	var pairs []legacyPair
	for rows.Next() {
		var p legacyPair
		if err := rows.Scan(&p.resourceID, &p.owner, &p.activeRole); err != nil {
			return nil, fmt.Errorf("failed to scan legacy pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (r *Reconciler) backfillPair(ctx context.Context, p legacyPair, result *Result) error {
	_, err := r.store.Grant(ctx, p.resourceID, p.owner, roles.RoleOwner, SystemPrincipal)
	if err == nil {
		result.Backfilled++
		r.metrics.IncMembershipChange("backfill")
		return nil
	}

	if errors.Is(err, membership.ErrDuplicateActiveMembership) {
		// a grant landed between the snapshot and ours; re-check to
		// classify what won the race
		m, lookErr := r.store.ActiveForPair(ctx, p.resourceID, p.owner)
		if lookErr != nil {
			return fmt.Errorf("failed to re-check pair (%s, %s): %w", p.resourceID, p.owner, lookErr)
		}
		if m != nil && m.Role == roles.RoleOwner {
			result.Consistent++
			return nil
		}
		result.Conflicting++
		r.logger.WithFields(map[string]interface{}{
			"resource_id":  p.resourceID,
			"legacy_owner": p.owner,
		}).Warn("concurrent non-owner grant beat the backfill, leaving as is")
		return nil
	}

	return fmt.Errorf("failed to backfill pair (%s, %s): %w", p.resourceID, p.owner, err)
}
