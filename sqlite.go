// sqlite.go: SQLite backend
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
	"sync/atomic"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Timestamps are stored as integer microseconds since the Unix epoch, which
// matches the precision of PostgreSQL's timestamptz.
const sqliteSchema = `CREATE TABLE IF NOT EXISTS %[1]s (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	level     INTEGER NOT NULL,
	target    TEXT NOT NULL,
	message   TEXT NOT NULL,
	host      TEXT NOT NULL,
	task_id   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (timestamp);`

const sqliteInsert = `INSERT INTO %s (timestamp, level, target, message, host, task_id)
	VALUES (?, ?, ?, ?, ?, ?)`

const defaultSQLitePoolSize = 4

// memoryDBSeq names in-memory databases so that writers in one process do
// not share tables.
var memoryDBSeq atomic.Uint64

var sqlitePragmas = []string{
	"PRAGMA busy_timeout=5000",
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

type sqliteBackend struct {
	pool   *sqlitex.Pool
	path   string
	table  string
	insert string
	logger zerolog.Logger

	schemaMu   sync.Mutex
	schemaDone bool
}

// sqlitePath extracts the database path from "sqlite:///abs/path",
// "sqlite://rel/path", "sqlite:path" or "sqlite::memory:".
func sqlitePath(url string) (string, error) {
	_, rest, _ := strings.Cut(url, ":")
	rest = strings.TrimPrefix(rest, "//")
	if rest == "" {
		return "", fmt.Errorf("%w: sqlite url %q has no path", ErrInvalidConfig, url)
	}
	return rest, nil
}

func openSQLite(ctx context.Context, url string, opts BackendOptions) (Backend, error) {
	path, err := sqlitePath(url)
	if err != nil {
		return nil, err
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultSQLitePoolSize
	}
	// A plain ":memory:" database is private to one connection, so each
	// writer gets its own named in-memory database on a single connection.
	if path == ":memory:" {
		path = fmt.Sprintf("file:dbwriter-mem-%d?mode=memory&cache=shared", memoryDBSeq.Add(1))
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite: open %s: %w", ErrConnection, path, err)
	}

	// Connections are prepared lazily; take one now so that a bad path
	// fails New instead of the first batch.
	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: sqlite: open %s: %w", ErrConnection, path, err)
	}
	pool.Put(conn)

	opts.Logger.Debug().
		Str("path", path).
		Int("pool_size", poolSize).
		Msg("sqlite pool opened")

	return &sqliteBackend{
		pool:   pool,
		path:   path,
		table:  opts.Table,
		insert: fmt.Sprintf(sqliteInsert, quoteIdent(opts.Table)),
		logger: opts.Logger,
	}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	for _, pragma := range sqlitePragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *sqliteBackend) Name() string { return "sqlite" }

func (b *sqliteBackend) EnsureSchema(ctx context.Context) error {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	if b.schemaDone {
		return nil
	}

	conn, err := b.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: sqlite: %w", ErrConnection, err)
	}
	defer b.pool.Put(conn)

	if err := b.createSchema(conn); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", b.table, err)
	}
	b.schemaDone = true
	b.logger.Debug().
		Str("path", b.path).
		Str("table", b.table).
		Msg("sqlite schema ready")
	return nil
}

// createSchema takes the write lock first so that processes bootstrapping
// the same file wait on busy_timeout instead of failing.
func (b *sqliteBackend) createSchema(conn *sqlite.Conn) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	script := fmt.Sprintf(sqliteSchema, quoteIdent(b.table), quoteIdent(b.table+"_timestamp_idx"))
	return sqlitex.ExecuteScript(conn, script, nil)
}

// WriteBatch inserts the batch in a single IMMEDIATE transaction, so the
// write lock is taken up front and busy_timeout applies to it.
func (b *sqliteBackend) WriteBatch(ctx context.Context, batch []Record) (err error) {
	if len(batch) == 0 {
		return nil
	}

	conn, err := b.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: sqlite: %w", ErrConnection, err)
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("%w: sqlite: begin: %w", ErrTransaction, err)
	}
	defer endTransaction(&err)

	for i := range batch {
		r := &batch[i]
		err = sqlitex.Execute(conn, b.insert, &sqlitex.ExecOptions{
			Args: []any{
				r.Time.UnixMicro(),
				int(r.Level),
				r.Target,
				r.Message,
				r.Host,
				r.TaskID,
			},
		})
		if err != nil {
			return fmt.Errorf("%w: sqlite: insert row %d of %d: %w", ErrTransaction, i+1, len(batch), err)
		}
	}
	return nil
}

func (b *sqliteBackend) Health(ctx context.Context) error {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: sqlite: %w", ErrConnection, err)
	}
	defer b.pool.Put(conn)
	if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
		return fmt.Errorf("%w: sqlite: %w", ErrConnection, err)
	}
	return nil
}

// Classify retries lock contention, I/O trouble and a full disk; constraint,
// schema and misuse errors are permanent.
func (b *sqliteBackend) Classify(err error) FailureClass {
	switch sqliteCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked, sqlite.ResultIOErr,
		sqlite.ResultCantOpen, sqlite.ResultProtocol, sqlite.ResultFull:
		return Transient
	default:
		return Permanent
	}
}

// sqliteCode finds the SQLite result code anywhere in err's tree, including
// errors joined by a multi-%w fmt.Errorf.
func sqliteCode(err error) sqlite.ResultCode {
	if err == nil {
		return sqlite.ResultError
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range multi.Unwrap() {
			if code := sqliteCode(e); code != sqlite.ResultError {
				return code
			}
		}
		return sqlite.ResultError
	}
	if code := sqlite.ErrCode(err); code != sqlite.ResultError {
		return code
	}
	return sqliteCode(errors.Unwrap(err))
}

func (b *sqliteBackend) Close() error {
	if err := b.pool.Close(); err != nil {
		return fmt.Errorf("sqlite: close %s: %w", b.path, err)
	}
	return nil
}
