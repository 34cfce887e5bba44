// Package metrics declares the Prometheus collectors of the source record storage service.
// Collectors register with the default registry on package initialization.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for outcome labels.
const (
	Ok        = "ok"
	Fail      = "fail"
	Duplicate = "duplicate"
)

// Collectors for record storage.
var (
	RecordSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "srs_record_saves_total",
		Help: "Cumulative number of composite record saves, by outcome.",
	}, []string{"outcome"})
	RecordSaveDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "srs_record_save_duration_seconds",
		Help:    "Duration of composite record save transactions.",
		Buckets: prometheus.DefBuckets,
	})
	ErrorRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srs_error_records_total",
		Help: "Cumulative number of error records stored in place of unformattable parsed records.",
	})
	ResolvedGenerations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "srs_resolved_generation",
		Help:    "Generation numbers assigned by generation resolution.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})
	BatchRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "srs_batch_records_total",
		Help: "Cumulative number of records processed by batch saves, by outcome.",
	}, []string{"outcome"})
	StreamedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srs_streamed_records_total",
		Help: "Cumulative number of source records emitted by streaming queries.",
	})
	EventIdempotencyEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srs_event_idempotency_evictions_total",
		Help: "Cumulative number of expired event ids removed from the idempotency cache.",
	})
)

// Collectors for event consumers.
var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "srs_events_total",
		Help: "Cumulative number of consumed events, by topic and outcome.",
	}, []string{"topic", "outcome"})
	EventHandleDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "srs_event_handle_duration_seconds",
		Help:    "Duration of event handling, by topic.",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
)
