package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_schema.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestSchemaDeclaresLedgerConstraints(t *testing.T) {
	sql, err := migrationsFS.ReadFile("migrations/001_schema.sql")
	require.NoError(t, err)
	schema := string(sql)

	// The ledger maps unique violations by these index names.
	assert.Contains(t, schema, "registrations_event_email_key")
	assert.Contains(t, schema, "registrations_ticket_code_key")
	assert.True(t, strings.Contains(schema, "REFERENCES events (id) ON DELETE CASCADE"))
}
