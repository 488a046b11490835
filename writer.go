// writer.go: Database writer for Iris
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/agilira/iris"
	"github.com/rs/zerolog"
)

// Writer implements iris.SyncWriter to persist logs into a relational table.
//
// Producers hand records to a bounded queue and return immediately. A single
// batcher goroutine seals batches by size or age and passes them to the
// persistence workers, which write each batch in one transaction and retry
// transient failures. The writer must be shut down with Shutdown or Close to
// drain the queue and release the connection pool.
type Writer struct {
	config  Config
	backend Backend
	logger  zerolog.Logger
	queue   *queue
	stats   counters
	retry   retryPolicy

	host      string
	clock     func() time.Time
	timeCache *timecache.TimeCache

	sealed   chan []Record
	flushReq chan struct{}
	progress progress

	// runCtx is cancelled only when a shutdown deadline elapses. It aborts
	// backoff waits, never a write in progress.
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}

	shutdownOnce   sync.Once
	shutdownResult ShutdownResult
	shutdownErr    error
}

// Stats is a snapshot of the writer counters.
type Stats struct {
	// Enqueued counts records accepted into the queue.
	Enqueued uint64
	// Dropped counts every record that will never be persisted: overflow,
	// submissions after shutdown, dropped batches and abandoned records.
	Dropped uint64
	// Depth is the number of records currently queued.
	Depth    int
	Capacity int

	Persisted        uint64
	BatchesPersisted uint64
	BatchesDropped   uint64
	Retries          uint64
}

// New creates a writer for the backend selected by config.BackendURL.
//
// It validates the configuration, applies defaults for optional fields,
// connects, bootstraps the table and starts the background goroutines.
// Connection and schema failures are returned here and nowhere else.
//
// The writer must be closed using Close() or Shutdown() to flush queued
// records and release the connection pool.
func New(ctx context.Context, config Config) (*Writer, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.logger()

	backend, err := openBackend(ctx, config.BackendURL, BackendOptions{
		Table:    config.TableName,
		PoolSize: config.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	w, err := start(ctx, config, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return w, nil
}

// NewWithBackend is New with a caller-provided backend. BackendURL is
// ignored. On error the backend is left open.
func NewWithBackend(ctx context.Context, config Config, backend Backend) (*Writer, error) {
	config = config.withDefaults()
	if err := config.validate(false); err != nil {
		return nil, err
	}
	return start(ctx, config, backend, config.logger())
}

func start(ctx context.Context, config Config, backend Backend, logger zerolog.Logger) (*Writer, error) {
	if err := backend.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s table %q: %w", ErrSchema, backend.Name(), config.TableName, err)
	}
	if config.CircuitBreaker.Enabled {
		backend = newBreakerBackend(backend, config.CircuitBreaker, logger)
	}

	w := &Writer{
		config:   config,
		backend:  backend,
		logger:   logger,
		retry:    newRetryPolicy(config),
		host:     resolveHost(config.Host),
		clock:    config.Clock,
		sealed:   make(chan []Record),
		flushReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.progress.init()
	w.queue = newQueue(config.QueueCapacity, config.OverflowPolicy, config.BlockTimeout, &w.stats)
	if w.clock == nil {
		w.timeCache = timecache.NewWithResolution(time.Millisecond)
		w.clock = w.timeCache.CachedTime
	}
	w.runCtx, w.cancelRun = context.WithCancel(context.Background())

	w.wg.Add(1 + config.Workers)
	go w.batchLoop()
	for i := 0; i < config.Workers; i++ {
		go w.persistLoop()
	}
	go func() {
		w.wg.Wait()
		close(w.done)
	}()

	logger.Info().
		Str("backend", backend.Name()).
		Str("table", config.TableName).
		Int("queue_capacity", config.QueueCapacity).
		Str("overflow_policy", string(config.OverflowPolicy)).
		Int("max_batch_size", config.MaxBatchSize).
		Dur("max_batch_interval", config.MaxBatchInterval).
		Int("workers", config.Workers).
		Msg("database writer started")

	return w, nil
}

func resolveHost(override string) string {
	if override != "" {
		return override
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

// Submit queues one event for persistence. It never blocks beyond the
// block-with-timeout policy, never fails and never performs I/O. Events
// submitted after Shutdown began are counted as dropped.
func (w *Writer) Submit(e Event) {
	if e.Level < w.config.MinLevel {
		return
	}
	_ = w.queue.push(w.newRecord(e))
}

func (w *Writer) newRecord(e Event) Record {
	ts := e.Time
	if ts.IsZero() {
		ts = w.clock()
	}
	task := e.TaskID
	if task == "" {
		task = w.config.TaskID
	}
	return Record{
		Time:    ts,
		Level:   e.Level,
		Target:  cleanField(e.Target, w.config.MaxFieldLength),
		Message: cleanField(e.Message, w.config.MaxMessageLength),
		Host:    cleanField(w.host, w.config.MaxFieldLength),
		TaskID:  cleanField(task, w.config.MaxFieldLength),
	}
}

// WriteRecord implements iris.SyncWriter by queueing the record.
//
// It is safe for concurrent use and returns immediately without touching
// the database. The returned error is always nil: persistence failures are
// reported through Config.OnError and the internal logger only.
func (w *Writer) WriteRecord(record *iris.Record) error {
	if record == nil {
		return nil
	}
	target := record.Logger
	if target == "" {
		target = w.config.Target
	}
	w.Submit(Event{
		Level:   levelFromIris(record.Level),
		Target:  target,
		Message: record.Msg,
	})
	return nil
}

// Handler returns a log/slog handler feeding this writer.
func (w *Writer) Handler() slog.Handler {
	return &slogHandler{w: w}
}

// Stats returns a snapshot of the writer counters. Safe to call concurrently.
func (w *Writer) Stats() Stats {
	return Stats{
		Enqueued:         w.stats.enqueued.Load(),
		Dropped:          w.stats.dropped.Load(),
		Depth:            w.queue.depth(),
		Capacity:         w.queue.capacity(),
		Persisted:        w.stats.persisted.Load(),
		BatchesPersisted: w.stats.batchesPersisted.Load(),
		BatchesDropped:   w.stats.batchesDropped.Load(),
		Retries:          w.stats.retries.Load(),
	}
}

// Health reports backend connectivity. It returns ErrClosed once shutdown
// has begun.
func (w *Writer) Health(ctx context.Context) error {
	if w.queue.isClosed() {
		return ErrClosed
	}
	return w.backend.Health(ctx)
}

// Flush seals the current batch and waits until every record accepted
// before the call has been persisted or dropped.
func (w *Writer) Flush(ctx context.Context) error {
	if w.queue.isClosed() {
		return ErrClosed
	}
	target := w.stats.enqueued.Load()
	select {
	case w.flushReq <- struct{}{}:
	default:
	}

	for {
		wait := w.progress.wait()
		if w.resolved() >= target {
			return nil
		}
		select {
		case <-wait:
		case <-w.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Writer) resolved() uint64 {
	return w.stats.persisted.Load() + w.stats.lost.Load()
}

// progress wakes Flush callers whenever a batch reaches a disposition.
type progress struct {
	mu sync.Mutex
	ch chan struct{}
}

func (p *progress) init() { p.ch = make(chan struct{}) }

func (p *progress) wait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch
}

func (p *progress) notify() {
	p.mu.Lock()
	close(p.ch)
	p.ch = make(chan struct{})
	p.mu.Unlock()
}
