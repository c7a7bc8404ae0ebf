package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// newTestStore already migrated once; a second pass must be a no-op.
	require.NoError(t, s.Migrate(ctx))

	var applied int
	row := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`)
	require.NoError(t, row.Scan(&applied))
	assert.Equal(t, len(schemaMigrations), applied)
}

func TestStatementsSplitsScript(t *testing.T) {
	script := `-- leading comment
CREATE TABLE a (id TEXT);

-- another comment
CREATE INDEX idx_a ON a(id);
`
	stmts := statements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}
