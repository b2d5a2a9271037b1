//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kadirpekel/agentd/internal/config"
)

// newPostgresTestDB starts a real PostgreSQL container and opens the
// storage adapter against it, exercising the postgres Dialect branch
// openMemoryForTest's embedded SQLite path never reaches. Grounded on
// codeready-toolchain/tarsy's test/util.SetupTestDatabase container setup,
// simplified since this package migrates its own schema via initSchema
// rather than an ent-generated one.
func newPostgresTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("agentd_test"),
		postgres.WithUsername("agentd"),
		postgres.WithPassword("agentd"),
		wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := &config.Config{
		PGURI:         connStr,
		DBPoolSize:    2,
		DBMaxOverflow: 2,
		DBPoolTimeout: 10 * time.Second,
		DBPoolRecycle: time.Hour,
	}
	db, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresCreateAndReadAgent(t *testing.T) {
	db := newPostgresTestDB(t)
	ctx := context.Background()
	actor := Actor{ID: "user-1", OrgID: "org-1"}

	created, err := db.CreateAgent(ctx, Agent{Name: "assistant", TopK: 4}, actor)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := db.ReadAgent(ctx, created.ID, actor, AccessRead)
	require.NoError(t, err)
	require.Equal(t, "assistant", got.Name)
	require.Equal(t, 4, got.TopK)
}

func TestPostgresJobStatusTransition(t *testing.T) {
	db := newPostgresTestDB(t)
	ctx := context.Background()
	actor := Actor{ID: "user-1", OrgID: "org-1"}

	job, err := db.CreateJob(ctx, Job{Type: JobTypeJob, Status: JobStatusCreated}, actor)
	require.NoError(t, err)
	job.Status = JobStatusPending

	tx, err := db.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, db.UpdateJobStatusTx(ctx, tx, job, actor))
	require.NoError(t, tx.Commit())

	got, err := db.ReadJob(ctx, job.ID, actor)
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, got.Status)
}
