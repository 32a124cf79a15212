package invitations

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expires_at is written from Go time.Now() and compared against Postgres NOW()
// by the expiry sweep, so the columns must be timezone-aware. TIMESTAMPTZ only.
func TestMigrations_TimestampColumnsAreTimezoneAware(t *testing.T) {
	bareTimestamp := regexp.MustCompile(`TIMESTAMP\b`)

	migrations := Migrations()
	require.NotEmpty(t, migrations)

	for _, m := range migrations {
		assert.Empty(t, bareTimestamp.FindString(m.SQL),
			"migration %d (%s) uses a timezone-naive TIMESTAMP column", m.Version, m.Description)
	}
}
