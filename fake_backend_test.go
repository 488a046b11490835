// fake_backend_test.go: In-memory backend for writer tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errFake = errors.New("fake backend failure")

// fakeBackend records committed batches. fail is consulted on every
// WriteBatch call (1-based) before anything is committed.
type fakeBackend struct {
	mu        sync.Mutex
	batches   [][]Record
	calls     int
	closed    bool
	fail      func(call int, batch []Record) error
	delay     time.Duration
	schemaErr error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) EnsureSchema(context.Context) error { return f.schemaErr }

func (f *fakeBackend) WriteBatch(ctx context.Context, batch []Record) error {
	f.mu.Lock()
	f.calls++
	call, fail, delay := f.calls, f.fail, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(call, batch); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.batches = append(f.batches, append([]Record(nil), batch...))
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Health(context.Context) error { return nil }

// Classify treats unmarked errors as permanent.
func (f *fakeBackend) Classify(error) FailureClass { return Permanent }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) records() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeBackend) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// testConfig returns a config with a silent logger and short backoff.
func testConfig() Config {
	logger := zerolog.Nop()
	return Config{
		QueueCapacity:    1024,
		MaxBatchSize:     100,
		MaxBatchInterval: time.Minute,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       4 * time.Millisecond,
		Logger:           &logger,
	}
}

// newTestWriter starts a writer on fake and shuts it down at test end.
func newTestWriter(t *testing.T, config Config, fake *fakeBackend) *Writer {
	t.Helper()
	writer, err := NewWithBackend(context.Background(), config, fake)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	t.Cleanup(func() { _ = writer.Close() })
	return writer
}

func flush(t *testing.T, writer *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writer.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
