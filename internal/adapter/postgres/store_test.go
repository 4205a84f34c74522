package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spritelab/fleetd/internal/adapter/postgres"
	"github.com/spritelab/fleetd/internal/port/store"
	"github.com/spritelab/fleetd/internal/port/store/storetest"
)

// setupPool connects, runs all migrations, and returns a pool. Tests are
// skipped unless DATABASE_URL points at a disposable database.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestConformance(t *testing.T) {
	pool := setupPool(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		if _, err := pool.Exec(context.Background(), `TRUNCATE intents`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return postgres.NewStore(pool)
	})
}
