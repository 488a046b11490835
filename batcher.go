// batcher.go: Batch sealing and persistence workers
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

// batchLoop is the single consumer of the queue. A batch is sealed when it
// reaches MaxBatchSize, when MaxBatchInterval has elapsed since its first
// record, on Flush, or when the queue is closed and drained. Sealed batches
// are handed to the workers in order.
func (w *Writer) batchLoop() {
	defer w.wg.Done()
	defer close(w.sealed)

	batch := make([]Record, 0, w.config.MaxBatchSize)
	timer := time.NewTimer(w.config.MaxBatchInterval)
	timer.Stop()
	defer timer.Stop()
	var timerC <-chan time.Time

	seal := func() {
		timer.Stop()
		timerC = nil
		if len(batch) == 0 {
			return
		}
		w.sealed <- batch
		batch = make([]Record, 0, w.config.MaxBatchSize)
	}
	add := func(rec Record) {
		if len(batch) == 0 {
			timer.Reset(w.config.MaxBatchInterval)
			timerC = timer.C
		}
		batch = append(batch, rec)
		if len(batch) >= w.config.MaxBatchSize {
			seal()
		}
	}

	for {
		select {
		case rec, ok := <-w.queue.ch:
			if !ok {
				seal()
				return
			}
			add(rec)

		case <-timerC:
			seal()

		case <-w.flushReq:
			w.drainQueued(add)
			seal()
		}
	}
}

// drainQueued hands at most the records queued right now to add. It never
// waits: drop-oldest evictions may empty the queue under it.
func (w *Writer) drainQueued(add func(Record)) {
	for n := w.queue.depth(); n > 0; n-- {
		select {
		case rec, ok := <-w.queue.ch:
			if !ok {
				return
			}
			add(rec)
		default:
			return
		}
	}
}

func (w *Writer) persistLoop() {
	defer w.wg.Done()
	for batch := range w.sealed {
		w.persist(batch)
	}
}

// persist runs the retry controller for one batch and accounts for its
// disposition.
func (w *Writer) persist(batch []Record) Disposition {
	disposition, st := w.retry.run(w.runCtx,
		func() error { return w.writeBatch(batch) },
		func(err error) FailureClass { return classify(w.backend, err) },
		func(st retryState, delay time.Duration) {
			w.stats.retries.Add(1)
			w.logger.Debug().
				Err(st.lastErr).
				Int("attempt", st.attempts).
				Dur("backoff", delay).
				Int("records", len(batch)).
				Msg("batch write failed, retrying")
		})

	n := uint64(len(batch))
	switch disposition {
	case Persisted:
		w.stats.persisted.Add(n)
		w.stats.batchesPersisted.Add(1)
	case Dropped:
		w.stats.dropped.Add(n)
		w.stats.lost.Add(n)
		w.stats.batchesDropped.Add(1)
		w.logger.Error().
			Err(st.lastErr).
			Str("backend", w.backend.Name()).
			Str("class", st.lastClass.String()).
			Int("attempts", st.attempts).
			Int("records", len(batch)).
			Msg("batch dropped")
		if w.config.OnError != nil {
			w.config.OnError(fmt.Errorf("dbwriter: dropped batch of %d records after %d attempts: %w", n, st.attempts, st.lastErr))
		}
	}
	w.progress.notify()
	return disposition
}

// writeBatch bounds one transactional write by WriteTimeout. The write is
// detached from runCtx so a shutdown deadline never aborts it mid-way.
func (w *Writer) writeBatch(batch []Record) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.runCtx), w.config.WriteTimeout)
	defer cancel()
	return w.backend.WriteBatch(ctx, batch)
}
