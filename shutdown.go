// shutdown.go: Shutdown coordination
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"context"
	"fmt"
	"time"
)

// ShutdownResult reports how the final drain went.
type ShutdownResult struct {
	// Flushed is true when the queue was drained before the deadline.
	Flushed bool

	// Dropped counts queued records that never reached the database during
	// shutdown, whether abandoned at the deadline or dropped by the retry
	// controller while draining.
	Dropped uint64
}

// Shutdown stops accepting records, drains the queue and closes the backend.
//
// The deadline comes from ctx. When it elapses first, pending backoff waits
// are abandoned, the write in progress (if any) is allowed to finish, every
// remaining record is counted as dropped, and the error wraps
// ErrShutdownTimeout. Calling Shutdown again returns the first outcome.
func (w *Writer) Shutdown(ctx context.Context) (ShutdownResult, error) {
	w.shutdownOnce.Do(func() {
		w.shutdownResult, w.shutdownErr = w.shutdown(ctx)
	})
	return w.shutdownResult, w.shutdownErr
}

func (w *Writer) shutdown(ctx context.Context) (ShutdownResult, error) {
	started := time.Now()
	lostBefore := w.stats.lost.Load()

	// Closing the queue is the drain-now signal: the batcher stops waiting
	// for the batch interval once the channel reports closed.
	w.queue.close()

	flushed := true
	select {
	case <-w.done:
	case <-ctx.Done():
		flushed = false
		w.cancelRun()
		<-w.done
	}
	w.cancelRun()
	if w.timeCache != nil {
		w.timeCache.Stop()
	}

	result := ShutdownResult{
		Flushed: flushed,
		Dropped: w.stats.lost.Load() - lostBefore,
	}
	closeErr := w.backend.Close()

	event := w.logger.Info()
	if !flushed || result.Dropped > 0 {
		event = w.logger.Warn()
	}
	event.
		Bool("flushed", result.Flushed).
		Uint64("dropped", result.Dropped).
		Uint64("persisted", w.stats.persisted.Load()).
		Dur("elapsed", time.Since(started)).
		Msg("database writer stopped")

	if !flushed {
		return result, fmt.Errorf("%w: %d records not persisted", ErrShutdownTimeout, result.Dropped)
	}
	if closeErr != nil {
		return result, fmt.Errorf("dbwriter: close %s backend: %w", w.backend.Name(), closeErr)
	}
	return result, nil
}

// Close gracefully shuts down the writer using Config.ShutdownDeadline.
//
// Close is safe to call multiple times and returns the first outcome.
func (w *Writer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.ShutdownDeadline)
	defer cancel()
	_, err := w.Shutdown(ctx)
	return err
}
