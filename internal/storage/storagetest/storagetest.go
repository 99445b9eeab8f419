// Package storagetest starts a disposable PostgreSQL container for store
// tests. Every call to NewPool gets its own freshly migrated database on a
// container shared by the whole test binary.
package storagetest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/internal/storage"
)

const image = "postgres:16-alpine"

var (
	once     sync.Once
	adminDSN string
	startErr error
)

func start() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := postgres.Run(ctx, image,
		postgres.WithDatabase("curator"),
		postgres.WithUsername("curator"),
		postgres.WithPassword("curator"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		startErr = fmt.Errorf("start postgres: %w", err)
		return
	}
	adminDSN, startErr = c.ConnectionString(ctx, "sslmode=disable")
}

// DSN creates an empty database and returns its connection string. The test
// is skipped under -short or when no container provider is reachable.
func DSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	once.Do(start)
	require.NoError(t, startErr)

	ctx := context.Background()
	name := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgx.Connect(ctx, adminDSN)
	require.NoError(t, err)
	defer admin.Close(ctx)
	_, err = admin.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)

	u, err := url.Parse(adminDSN)
	require.NoError(t, err)
	u.Path = "/" + name
	return u.String()
}

// NewPool returns a pool on a new database with the full schema applied.
// The pool is closed when the test ends.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := DSN(t)

	pool, err := storage.OpenDSN(context.Background(), dsn, config.StoreConfig{MaxConns: 8, AutoMigrate: true}, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
