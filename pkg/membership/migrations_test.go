package membership

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Timestamps are compared against both Go time.Now() and Postgres NOW(), so
// every column must be timezone-aware. TIMESTAMPTZ only; a bare TIMESTAMP
// would silently shift under a non-UTC server timezone.
func TestMigrations_TimestampColumnsAreTimezoneAware(t *testing.T) {
	bareTimestamp := regexp.MustCompile(`TIMESTAMP\b`)

	migrations := Migrations()
	require.NotEmpty(t, migrations)

	for _, m := range migrations {
		assert.Empty(t, bareTimestamp.FindString(m.SQL),
			"migration %d (%s) uses a timezone-naive TIMESTAMP column", m.Version, m.Description)
	}
}

func TestMigrations_VersionsAscending(t *testing.T) {
	migrations := Migrations()
	for i := 1; i < len(migrations); i++ {
		assert.Greater(t, migrations[i].Version, migrations[i-1].Version)
	}
}
