// queue.go: Bounded multi-producer queue between emitters and the batcher
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"sync"
	"sync/atomic"
	"time"
)

// evictAttempts bounds the drop-oldest loop when other producers keep
// refilling the slot we just freed.
const evictAttempts = 4

// counters is the queue and pipeline state mutated from producer
// goroutines. Everything here is atomic.
type counters struct {
	enqueued atomic.Uint64 // accepted into the queue
	dropped  atomic.Uint64 // dropped_total: every record that will never be persisted
	lost     atomic.Uint64 // accepted records that ended up dropped

	persisted        atomic.Uint64
	batchesPersisted atomic.Uint64
	batchesDropped   atomic.Uint64
	retries          atomic.Uint64
}

// queue is a fixed-capacity channel with an overflow policy. Producers never
// block except under BlockWithTimeout. Once closed, pushes are counted as
// dropped and the consumer keeps draining what is left.
type queue struct {
	ch           chan Record
	policy       OverflowPolicy
	blockTimeout time.Duration
	stats        *counters

	// mu guards closed and the close of ch; producers hold the read side
	// only for the duration of a push.
	mu     sync.RWMutex
	closed bool
}

func newQueue(capacity int, policy OverflowPolicy, blockTimeout time.Duration, stats *counters) *queue {
	return &queue{
		ch:           make(chan Record, capacity),
		policy:       policy,
		blockTimeout: blockTimeout,
		stats:        stats,
	}
}

// push hands rec to the consumer or applies the overflow policy. The error
// is informational: ErrQueueFull or ErrClosed mean rec was dropped.
func (q *queue) push(rec Record) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.stats.dropped.Add(1)
		return ErrClosed
	}

	select {
	case q.ch <- rec:
		q.stats.enqueued.Add(1)
		return nil
	default:
	}

	switch q.policy {
	case DropOldest:
		for i := 0; i < evictAttempts; i++ {
			select {
			case <-q.ch:
				q.stats.dropped.Add(1)
				q.stats.lost.Add(1)
			default:
			}
			select {
			case q.ch <- rec:
				q.stats.enqueued.Add(1)
				return nil
			default:
			}
		}

	case BlockWithTimeout:
		timer := time.NewTimer(q.blockTimeout)
		defer timer.Stop()
		select {
		case q.ch <- rec:
			q.stats.enqueued.Add(1)
			return nil
		case <-timer.C:
		}
	}

	q.stats.dropped.Add(1)
	return ErrQueueFull
}

// close stops accepting records. It waits for in-flight pushes, so after it
// returns nothing else is ever sent on ch.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *queue) depth() int    { return len(q.ch) }
func (q *queue) capacity() int { return cap(q.ch) }
