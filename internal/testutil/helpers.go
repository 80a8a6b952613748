// Package testutil starts a throwaway Postgres for integration tests and
// applies the repository migrations to it.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"NFTLend/internal/persistence"
)

// Tables is every table the migrations create, truncated between tests.
var Tables = []string{
	"event_log.events",
	"event_log.journal",
	"event_log.snapshots",
	"projections.balances",
	"projections.entity_views",
	"projections.entity_events",
	"projections.watermark",
}

// Postgres is a migrated database reachable through both drivers the
// service uses.
type Postgres struct {
	DSN  string
	DB   *sql.DB
	Pool *pgxpool.Pool
}

// RequireIntegration skips the test if not running integration tests.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}

// StartPostgres returns a migrated, empty database. TEST_POSTGRES_DSN points
// at an existing server; otherwise a postgres container is started and
// terminated on cleanup.
func StartPostgres(t *testing.T) *Postgres {
	t.Helper()
	RequireIntegration(t)
	ctx := context.Background()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("nftlend_test"),
			postgres.WithUsername("nftlend"),
			postgres.WithPassword("nftlend"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		require.NoError(t, err, "failed to start postgres container")
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err, "failed to get connection string")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "open database")
	t.Cleanup(func() { db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(pingCtx), "ping database")

	_, err = persistence.NewMigrator(db, MigrationsDir(t), zerolog.Nop()).Up(ctx)
	require.NoError(t, err, "apply migrations")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "open pgx pool")
	t.Cleanup(pool.Close)

	pg := &Postgres{DSN: dsn, DB: db, Pool: pool}
	pg.Truncate(t)
	return pg
}

// Truncate empties every table.
func (pg *Postgres) Truncate(t *testing.T) {
	t.Helper()
	for _, table := range Tables {
		_, err := pg.DB.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table))
		require.NoError(t, err, "truncate %s", table)
	}
}

// MigrationsDir finds migrations/ next to go.mod.
func MigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}
