package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/valuestor/trader/internal/model"
)

// setupPostgres starts a throwaway PostgreSQL container with the schema
// applied. Skipped under -short or when no container runtime is reachable.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("trader"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// Second run must be a no-op.
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestPostgresStore(t *testing.T) {
	pool := setupPostgres(t)
	runStoreContract(t, NewPostgresStore(pool, 30*24*time.Hour))
}

func TestPostgresStore_PurgeExpired(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	st := NewPostgresStore(pool, time.Hour)
	now := t0
	st.now = func() time.Time { return now }

	require.NoError(t, st.SaveExecution(ctx, &model.TradeExecution{
		ID: "old", Holder: "0xH", Token: "0xT", Type: model.ActionBuy,
		Status: model.StatusConfirmed, CreatedAt: t0,
	}))
	require.NoError(t, st.SaveExecution(ctx, &model.TradeExecution{
		ID: "new", Holder: "0xH", Token: "0xT", Type: model.ActionBuy,
		Status: model.StatusPending, CreatedAt: t0.Add(90 * time.Minute),
	}))

	now = t0.Add(2 * time.Hour)
	_, err := st.GetExecution(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := st.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetExecution(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestPostgresStore_CorruptProfileIsSkipped(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	st := NewPostgresStore(pool, time.Hour)

	require.NoError(t, st.SaveProfile(ctx, profile("0xaaa", true)))
	_, err := pool.Exec(ctx,
		`INSERT INTO value_profiles (id, address, policy, is_active, created_at, updated_at)
		 VALUES ('id-bad', '0xbbb', '{"risk_tolerance": 5}'::JSONB, TRUE, NOW(), NOW())`)
	require.NoError(t, err)

	got, err := st.ListActiveProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xaaa", got[0].Address)

	_, err = st.GetProfile(ctx, "0xbbb")
	assert.ErrorIs(t, err, ErrCorruptRecord)
}
