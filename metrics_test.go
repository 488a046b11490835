// metrics_test.go: Prometheus collector tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	fake := &fakeBackend{
		fail: func(_ int, batch []Record) error {
			if batch[0].Message == "bad" {
				return PermanentError(errFake)
			}
			return nil
		},
	}
	config := testConfig()
	config.QueueCapacity = 16
	config.MaxBatchSize = 5
	writer := newTestWriter(t, config, fake)

	for i := 0; i < 5; i++ {
		writer.Submit(Event{Level: LevelInfo, Message: "good"})
	}
	for i := 0; i < 5; i++ {
		writer.Submit(Event{Level: LevelInfo, Message: "bad"})
	}
	flush(t, writer)

	collector := NewCollector(writer, "")
	if n := testutil.CollectAndCount(collector); n != 8 {
		t.Errorf("collected %d metrics, want 8", n)
	}

	expected := `
# HELP dbwriter_records_enqueued_total Total number of log records accepted into the queue
# TYPE dbwriter_records_enqueued_total counter
dbwriter_records_enqueued_total{backend="fake",table="logs"} 10
# HELP dbwriter_records_persisted_total Total number of log records committed to the database
# TYPE dbwriter_records_persisted_total counter
dbwriter_records_persisted_total{backend="fake",table="logs"} 5
# HELP dbwriter_records_dropped_total Total number of log records that will never be persisted
# TYPE dbwriter_records_dropped_total counter
dbwriter_records_dropped_total{backend="fake",table="logs"} 5
# HELP dbwriter_queue_capacity Capacity of the log record queue
# TYPE dbwriter_queue_capacity gauge
dbwriter_queue_capacity{backend="fake",table="logs"} 16
`
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"dbwriter_records_enqueued_total",
		"dbwriter_records_persisted_total",
		"dbwriter_records_dropped_total",
		"dbwriter_queue_capacity",
	)
	if err != nil {
		t.Errorf("unexpected metrics:\n%v", err)
	}
}

func TestCollector_Register(t *testing.T) {
	writer := newTestWriter(t, testConfig(), &fakeBackend{})
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(writer, "app")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "app_") {
			t.Errorf("metric %s lacks the app namespace", mf.GetName())
		}
	}
}
