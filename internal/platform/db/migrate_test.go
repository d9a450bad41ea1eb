package db

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-auth/migrations"
)

func TestMigrationURL(t *testing.T) {
	url, err := MigrationURL("postgres://u:p@localhost:5432/auth?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://u:p@localhost:5432/auth?sslmode=disable", url)

	url, err = MigrationURL("postgresql://localhost/auth")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://localhost/auth", url)

	_, err = MigrationURL("mysql://localhost/auth")
	assert.Error(t, err)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrations.FS, "*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrations.FS, "*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))

	schema, err := fs.ReadFile(migrations.FS, "0001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"users", "roles", "permissions", "role_permissions", "user_roles", "refresh_tokens", "audit_logs"} {
		assert.Contains(t, string(schema), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}
