package invitations

import "github.com/propwise/accessd/pkg/storage/postgres"

// Migrations returns the invitation schema. Tokens are unique across all
// resources; partial indexes keep the pending-only queries cheap.
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     120,
			Description: "Create invitations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS invitations (
					id BIGSERIAL PRIMARY KEY,
					resource_id TEXT NOT NULL,
					invitee_email TEXT NOT NULL,
					role TEXT NOT NULL,
					invited_by TEXT NOT NULL,
					token TEXT NOT NULL UNIQUE,
					status TEXT NOT NULL DEFAULT 'pending',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMPTZ NOT NULL,
					resolved_at TIMESTAMPTZ,
					accepted_by TEXT
				);

				CREATE INDEX idx_invitations_resource_pending ON invitations(resource_id) WHERE status = 'pending';
				CREATE INDEX idx_invitations_expiry_pending ON invitations(expires_at) WHERE status = 'pending';
			`,
		},
	}
}
