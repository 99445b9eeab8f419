package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Migrator applies numbered schema migrations, one transaction each, and
// records them in schema_migrations.
type Migrator struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	migrations map[int]string
}

// NewMigrator returns a Migrator over the built-in schema.
func NewMigrator(pool *pgxpool.Pool, logger *zap.Logger) *Migrator {
	return NewMigratorWith(pool, logger, Migrations())
}

// NewMigratorWith returns a Migrator over a custom migration set.
func NewMigratorWith(pool *pgxpool.Pool, logger *zap.Logger, migrations map[int]string) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{pool: pool, logger: logger, migrations: migrations}
}

// Run applies every migration newer than the recorded schema version.
func (m *Migrator) Run(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("current schema version", zap.Int("version", current))

	versions := make([]int, 0, len(m.migrations))
	for v := range m.migrations {
		if v > current {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)

	for _, v := range versions {
		if err := m.apply(ctx, v); err != nil {
			return err
		}
		m.logger.Info("migration applied", zap.Int("version", v))
	}
	return nil
}

// Version returns the highest applied migration, or 0.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var version int
	err := m.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("storage: query schema version: %w", err)
	}
	return version, nil
}

func (m *Migrator) apply(ctx context.Context, version int) error {
	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.migrations[version]); err != nil {
			return fmt.Errorf("storage: migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			return fmt.Errorf("storage: record migration %d: %w", version, err)
		}
		return nil
	})
}

// Latest returns the newest migration version known to the binary.
func (m *Migrator) Latest() int {
	latest := 0
	for v := range m.migrations {
		latest = max(latest, v)
	}
	return latest
}

// HealthCheck fails while the database schema is behind the binary, so a
// server started against an unmigrated database reports not ready.
func (m *Migrator) HealthCheck(ctx context.Context) error {
	v, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if latest := m.Latest(); v < latest {
		return fmt.Errorf("schema at version %d, want %d; run curatorctl migrate", v, latest)
	}
	return nil
}
