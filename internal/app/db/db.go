/*
Package db stores periodic statistics snapshots in PostgreSQL.

The sink is optional: it is only opened when a database URL is configured. Its
schema is managed by goose migrations embedded in the binary.
*/
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"chatty/internal/app/stats"
	"chatty/internal/pkg/logx"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const insertSnapshotSQL = `
INSERT INTO stats_snapshots (
    taken_at, registered, online, delivered, not_delivered,
    files_delivered, files_not_delivered, errors
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// NewPool initializes a new PostgreSQL connection pool and executes database migrations.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	// a single writer appends one row per tick
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := runMigrations(ctx, sqlDB); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// runMigrations applies all pending migrations from the embedded file system.
func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logx.Info("Database migrations applied successfully.")
	return nil
}

// StatsSink appends statistics snapshots to the stats_snapshots table.
type StatsSink struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewStatsSink(pool *pgxpool.Pool) *StatsSink {
	return &StatsSink{pool: pool, logger: logx.Component("stats")}
}

// InsertSnapshot stores s stamped with at, truncated to the second.
// A second snapshot for the same second is ignored.
func (k *StatsSink) InsertSnapshot(ctx context.Context, s stats.Snapshot, at time.Time) error {
	_, err := k.pool.Exec(ctx, insertSnapshotSQL,
		at.UTC().Truncate(time.Second),
		s.Registered,
		s.Online,
		s.Delivered,
		s.NotDelivered,
		s.FilesDelivered,
		s.FilesNotDelivered,
		s.Errors,
	)
	if isDuplicateSnapshot(err) {
		k.logger.Debug().Time("taken_at", at).Msg("Snapshot for this second already stored.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert stats snapshot: %w", err)
	}
	return nil
}

// Close releases the pool.
func (k *StatsSink) Close() {
	k.pool.Close()
}
