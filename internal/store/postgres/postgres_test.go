package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/ordersim?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "ordersim", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: " postgres://x ", Host: "ignored"}))
}

func TestListQuery(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := listQuery("SELECT id FROM t WHERE 1=1", "created_at",
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20}, nil)

	assert.Equal(t,
		"SELECT id FROM t WHERE 1=1 AND created_at >= $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3", q)
	assert.Equal(t, []any{since, 10, 20}, args)

	q, args = listQuery("SELECT id FROM t WHERE 1=1", "started_at", domain.ListOpts{}, nil)
	assert.Equal(t, "SELECT id FROM t WHERE 1=1 ORDER BY started_at DESC", q)
	assert.Empty(t, args)
}

func TestMigrationFilesOrdered(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_episodes.sql", "002_audit_log.sql"}, names)
}
