// backend.go: Backend adapter abstraction and scheme registry
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Backend is one relational engine. Implementations own their connection
// pool and must be safe for concurrent WriteBatch calls when Workers > 1.
type Backend interface {
	// Name identifies the engine in diagnostics and metrics.
	Name() string

	// EnsureSchema creates the table and its index if absent. It is
	// idempotent and safe to run concurrently from several processes.
	EnsureSchema(ctx context.Context) error

	// WriteBatch inserts every record inside one transaction. On error
	// nothing is persisted.
	WriteBatch(ctx context.Context, batch []Record) error

	// Health reports whether the database is reachable.
	Health(ctx context.Context) error

	// Classify decides whether a WriteBatch error is worth retrying.
	Classify(err error) FailureClass

	// Close releases the pool. Called once, after the final flush.
	Close() error
}

// BackendOptions is what an OpenFunc receives besides the URL.
type BackendOptions struct {
	Table    string
	PoolSize int
	Logger   zerolog.Logger
}

// OpenFunc connects to the database named by url. It should fail fast when
// the database is unreachable, wrapping the cause in ErrConnection.
type OpenFunc func(ctx context.Context, url string, opts BackendOptions) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]OpenFunc{
		"postgres":   openPostgres,
		"postgresql": openPostgres,
		"sqlite":     openSQLite,
		"sqlite3":    openSQLite,
	}
)

// RegisterBackend makes an adapter available to New under scheme. It
// replaces any previous registration for the same scheme.
func RegisterBackend(scheme string, open OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(scheme)] = open
}

// Schemes lists the registered URL schemes.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func urlScheme(url string) (string, error) {
	scheme, _, ok := strings.Cut(url, ":")
	if !ok || scheme == "" {
		return "", fmt.Errorf("%w: backend url %q has no scheme", ErrInvalidConfig, redactURL(url))
	}
	return strings.ToLower(scheme), nil
}

// openBackend dispatches on the URL scheme.
func openBackend(ctx context.Context, url string, opts BackendOptions) (Backend, error) {
	scheme, err := urlScheme(url)
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	open, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownBackend, scheme, strings.Join(Schemes(), ", "))
	}
	return open(ctx, url, opts)
}

// redactURL hides the password of a URL-shaped connection string.
func redactURL(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return url
	}
	userinfo := rest[:at]
	if user, _, hasPass := strings.Cut(userinfo, ":"); hasPass {
		return scheme + "://" + user + ":xxxxx@" + rest[at+1:]
	}
	return url
}

// quoteIdent double-quotes a name already checked against tableNamePattern.
func quoteIdent(name string) string {
	return `"` + name + `"`
}
