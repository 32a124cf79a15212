package membership

import "github.com/propwise/accessd/pkg/storage/postgres"

// Migrations returns the membership schema. The uniqueness constraint on
// (resource_id, principal_id) holds regardless of status: transitions replace
// the row, history preserves the trail.
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     100,
			Description: "Create memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					id BIGSERIAL PRIMARY KEY,
					resource_id TEXT NOT NULL,
					principal_id TEXT NOT NULL,
					role TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'active',
					granted_by TEXT NOT NULL,
					granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					accepted_at TIMESTAMPTZ,
					revoked_at TIMESTAMPTZ,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(resource_id, principal_id)
				);

				CREATE INDEX idx_memberships_principal_active ON memberships(principal_id) WHERE status = 'active';
				CREATE INDEX idx_memberships_resource_active ON memberships(resource_id) WHERE status = 'active';
			`,
		},
		{
			Version:     101,
			Description: "Create membership_history table",
			SQL: `
				CREATE TABLE IF NOT EXISTS membership_history (
					id BIGSERIAL PRIMARY KEY,
					membership_id BIGINT NOT NULL,
					resource_id TEXT NOT NULL,
					principal_id TEXT NOT NULL,
					old_role TEXT,
					new_role TEXT NOT NULL,
					old_status TEXT,
					new_status TEXT NOT NULL,
					changed_by TEXT NOT NULL,
					changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_membership_history_resource ON membership_history(resource_id, changed_at DESC);
			`,
		},
	}
}
