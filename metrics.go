// metrics.go: Prometheus collector for writer statistics
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports Writer.Stats as Prometheus metrics. Register one per
// writer; the backend name is attached as a constant label.
type Collector struct {
	w *Writer

	enqueued         *prometheus.Desc
	dropped          *prometheus.Desc
	persisted        *prometheus.Desc
	batchesPersisted *prometheus.Desc
	batchesDropped   *prometheus.Desc
	retries          *prometheus.Desc
	depth            *prometheus.Desc
	capacity         *prometheus.Desc
}

// NewCollector creates a collector for w. An empty namespace defaults to
// "dbwriter".
func NewCollector(w *Writer, namespace string) *Collector {
	if namespace == "" {
		namespace = "dbwriter"
	}
	labels := prometheus.Labels{"backend": w.backend.Name(), "table": w.config.TableName}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	return &Collector{
		w:                w,
		enqueued:         desc("records_enqueued_total", "Total number of log records accepted into the queue"),
		dropped:          desc("records_dropped_total", "Total number of log records that will never be persisted"),
		persisted:        desc("records_persisted_total", "Total number of log records committed to the database"),
		batchesPersisted: desc("batches_persisted_total", "Total number of batches committed"),
		batchesDropped:   desc("batches_dropped_total", "Total number of batches dropped after a permanent failure or exhausted retries"),
		retries:          desc("batch_retries_total", "Total number of batch write retries"),
		depth:            desc("queue_depth", "Current number of queued log records"),
		capacity:         desc("queue_capacity", "Capacity of the log record queue"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.enqueued
	ch <- c.dropped
	ch <- c.persisted
	ch <- c.batchesPersisted
	ch <- c.batchesDropped
	ch <- c.retries
	ch <- c.depth
	ch <- c.capacity
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.w.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter(c.enqueued, s.Enqueued)
	counter(c.dropped, s.Dropped)
	counter(c.persisted, s.Persisted)
	counter(c.batchesPersisted, s.BatchesPersisted)
	counter(c.batchesDropped, s.BatchesDropped)
	counter(c.retries, s.Retries)
	gauge(c.depth, s.Depth)
	gauge(c.capacity, s.Capacity)
}
