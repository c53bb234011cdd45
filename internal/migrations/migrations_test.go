package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(embedMigrations, migrationsDir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"00001_create_users.sql", "00002_create_session_tokens.sql"}, names)

	for _, name := range names {
		body, err := fs.ReadFile(embedMigrations, migrationsDir+"/"+name)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(body), "-- +goose Up"), name)
		assert.True(t, strings.Contains(string(body), "-- +goose Down"), name)
	}
}

func TestSessionTokensSchema(t *testing.T) {
	body, err := fs.ReadFile(embedMigrations, migrationsDir+"/00002_create_session_tokens.sql")
	require.NoError(t, err)

	schema := string(body)
	assert.Contains(t, schema, "UNIQUE INDEX IF NOT EXISTS idx_session_tokens_access_token")
	assert.Contains(t, schema, "ON DELETE CASCADE")
}
