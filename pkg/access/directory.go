package access

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/propwise/accessd/pkg/storage/postgres"
)

// PostgresDirectory implements ResourceDirectory over the engine's reference
// table of properties. The table is kept in sync from the external resource
// store; the engine owns only the reference and the legacy_owner field.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory over the given connection.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// LegacyOwner returns the legacy owner of a resource, if any. Unknown
// resources return ErrUnknownResource.
func (d *PostgresDirectory) LegacyOwner(ctx context.Context, resourceID string) (string, bool, error) {
	var owner sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT legacy_owner FROM resources WHERE id = $1`, resourceID).
		Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, fmt.Errorf("resource %s: %w", resourceID, ErrUnknownResource)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up resource: %w", err)
	}
	if !owner.Valid {
		return "", false, nil
	}
	return owner.String, true, nil
}

// ResourcesOwnedBy returns ids of resources whose legacy_owner matches.
func (d *PostgresDirectory) ResourcesOwnedBy(ctx context.Context, principalID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM resources WHERE legacy_owner = $1 ORDER BY id ASC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy resources: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resource id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Upsert records or refreshes a resource reference. Called by the sync path
// consuming the external resource store's change feed.
func (d *PostgresDirectory) Upsert(ctx context.Context, resourceID string, legacyOwner *string) error {
	var owner sql.NullString
	if legacyOwner != nil {
		owner = sql.NullString{String: *legacyOwner, Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO resources (id, legacy_owner)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET legacy_owner = EXCLUDED.legacy_owner
	`, resourceID, owner)
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

// Delete removes a resource reference after the external store deletes it.
// Membership and invitation cleanup is the deletion subscriber's job.
func (d *PostgresDirectory) Delete(ctx context.Context, resourceID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM resources WHERE id = $1`, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	return nil
}

// Migrations returns the resource reference schema.
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     110,
			Description: "Create resources reference table",
			SQL: `
				CREATE TABLE IF NOT EXISTS resources (
					id TEXT PRIMARY KEY,
					legacy_owner TEXT
				);

				CREATE INDEX idx_resources_legacy_owner ON resources(legacy_owner) WHERE legacy_owner IS NOT NULL;
			`,
		},
	}
}
