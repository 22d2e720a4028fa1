//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/mcp-streampay/pkg/database/migrate"
	"github.com/txn2/mcp-streampay/pkg/registry"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15",
		tcpostgres.WithDatabase("streampay"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrate.Run(db))
	return db
}

func TestStore_Integration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := New(db, Config{})

	base := newTestRecord(0, 864000)
	applied, err := store.Save(ctx, base)
	require.NoError(t, err)
	assert.True(t, applied)

	t.Run("lower funding is kept out", func(t *testing.T) {
		applied, err := store.Save(ctx, newTestRecord(0, 1000))
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("higher funding replaces", func(t *testing.T) {
		applied, err := store.Save(ctx, newTestRecord(0, 900000))
		require.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("cancellation is terminal", func(t *testing.T) {
		cancelled := newTestRecord(0, 60000)
		cancelled.Cancelled = true
		applied, err := store.Save(ctx, cancelled)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.Save(ctx, newTestRecord(0, 9_000_000))
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("seed restores the registry", func(t *testing.T) {
		reg := registry.New()
		summary, err := store.Seed(ctx, reg, Filter{Manager: testManager})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Inserted)

		rec, ok := reg.Get(base.Identity)
		require.True(t, ok)
		assert.True(t, rec.Cancelled)
		assert.Equal(t, int64(60000), rec.FundedAmount.Int64())
		assert.Equal(t, []byte("rent"), rec.Reason)
	})

	t.Run("exclude cancelled", func(t *testing.T) {
		records, err := store.Load(ctx, Filter{ExcludeCancelled: true})
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
