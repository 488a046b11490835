// postgres.go: PostgreSQL backend
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const postgresTableDDL = `CREATE TABLE IF NOT EXISTS %s (
	id        BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	level     SMALLINT NOT NULL,
	target    TEXT NOT NULL,
	message   TEXT NOT NULL,
	host      TEXT NOT NULL,
	task_id   TEXT NOT NULL
)`

const postgresIndexDDL = `CREATE INDEX IF NOT EXISTS %s ON %s (timestamp)`

var recordColumns = []string{"timestamp", "level", "target", "message", "host", "task_id"}

type postgresBackend struct {
	pool   *pgxpool.Pool
	table  string
	logger zerolog.Logger

	schemaMu   sync.Mutex
	schemaDone bool
}

func openPostgres(ctx context.Context, url string, opts BackendOptions) (Backend, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: parse %q: %w", ErrInvalidConfig, redactURL(url), err)
	}
	if opts.PoolSize > 0 {
		cfg.MaxConns = int32(opts.PoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %w", ErrConnection, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres: ping %s: %w", ErrConnection, cfg.ConnConfig.Host, err)
	}

	opts.Logger.Debug().
		Str("host", cfg.ConnConfig.Host).
		Str("database", cfg.ConnConfig.Database).
		Int32("max_conns", cfg.MaxConns).
		Msg("postgres pool opened")

	return &postgresBackend{pool: pool, table: opts.Table, logger: opts.Logger}, nil
}

func (b *postgresBackend) Name() string { return "postgres" }

// EnsureSchema serializes concurrent bootstrappers with a transaction-scoped
// advisory lock: CREATE TABLE IF NOT EXISTS alone can still fail with a
// unique violation on pg_type when two sessions race.
func (b *postgresBackend) EnsureSchema(ctx context.Context) error {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	if b.schemaDone {
		return nil
	}

	started := time.Now()
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: postgres: begin: %w", ErrConnection, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	table := pgx.Identifier{b.table}.Sanitize()
	index := pgx.Identifier{b.table + "_timestamp_idx"}.Sanitize()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", "dbwriter:"+b.table); err != nil {
		return fmt.Errorf("postgres: schema lock: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(postgresTableDDL, table)); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", table, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(postgresIndexDDL, index, table)); err != nil {
		return fmt.Errorf("postgres: create index %s: %w", index, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit schema: %w", err)
	}

	b.schemaDone = true
	b.logger.Debug().
		Str("table", table).
		Dur("elapsed", time.Since(started)).
		Msg("postgres schema ready")
	return nil
}

// WriteBatch streams the batch with COPY inside one transaction.
func (b *postgresBackend) WriteBatch(ctx context.Context, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: postgres: begin: %w", ErrConnection, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	n, err := tx.CopyFrom(ctx, pgx.Identifier{b.table}, recordColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			r := &batch[i]
			return []any{r.Time, int16(r.Level), r.Target, r.Message, r.Host, r.TaskID}, nil
		}))
	if err != nil {
		return fmt.Errorf("%w: postgres: copy %d rows: %w", ErrTransaction, len(batch), err)
	}
	if n != int64(len(batch)) {
		return PermanentError(fmt.Errorf("%w: postgres: copied %d rows, expected %d", ErrTransaction, n, len(batch)))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: postgres: commit: %w", ErrTransaction, err)
	}
	return nil
}

func (b *postgresBackend) Health(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", ErrConnection, err)
	}
	return nil
}

// Classify treats server errors by SQLSTATE and everything else (network,
// pool exhaustion, timeouts) as transient.
func (b *postgresBackend) Classify(err error) FailureClass {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	return Transient
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}

// classifySQLState maps a PostgreSQL error code onto a failure class.
// Connection exceptions (08), insufficient resources (53), serialization
// failures, deadlocks, lock timeouts, cancellations and server shutdowns are
// transient; integrity, syntax and schema errors are not.
func classifySQLState(code string) FailureClass {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return Transient
	}
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"57014", // query_canceled
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03": // cannot_connect_now
		return Transient
	}
	return Permanent
}
