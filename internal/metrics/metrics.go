// Package metrics holds the Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	ReasonInvalid       = "invalid"
	ReasonRateLimited   = "rate_limited"
	ReasonPersistFailed = "persist_failed"
	ReasonDisabled      = "disabled"
	ReasonTruncated     = "batch_truncated"
	ReasonBatchTimeout  = "batch_timeout"
)

// Ingest tracks ingestion outcomes. Counts are mirrored in-process so callers
// can read them without scraping.
type Ingest struct {
	received     atomic.Int64
	accepted     atomic.Int64
	rateLimited  atomic.Int64
	invalid      atomic.Int64
	persistFails atomic.Int64

	receivedTotal   prometheus.Counter
	acceptedTotal   *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	persistDuration prometheus.Histogram
}

// NewIngest creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func NewIngest(reg prometheus.Registerer) *Ingest {
	m := &Ingest{
		receivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "errtrack_ingest_reports_received_total",
			Help: "Total number of error reports received",
		}),
		acceptedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errtrack_ingest_reports_accepted_total",
				Help: "Total number of error reports stored as events",
			},
			[]string{"platform"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errtrack_ingest_reports_dropped_total",
				Help: "Total number of error reports dropped before storage",
			},
			[]string{"reason"},
		),
		persistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "errtrack_ingest_persist_duration_seconds",
			Help:    "Time spent aggregating and storing one report",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.receivedTotal, m.acceptedTotal, m.droppedTotal, m.persistDuration)
	}
	return m
}

func (m *Ingest) RecordReceived(n int) {
	m.received.Add(int64(n))
	m.receivedTotal.Add(float64(n))
}

func (m *Ingest) RecordAccepted(platform string, took time.Duration) {
	m.accepted.Add(1)
	m.acceptedTotal.WithLabelValues(platform).Inc()
	m.persistDuration.Observe(took.Seconds())
}

// RecordDropped counts n reports dropped for reason.
func (m *Ingest) RecordDropped(reason string, n int) {
	switch reason {
	case ReasonRateLimited:
		m.rateLimited.Add(int64(n))
	case ReasonInvalid:
		m.invalid.Add(int64(n))
	case ReasonPersistFailed:
		m.persistFails.Add(int64(n))
	}
	m.droppedTotal.WithLabelValues(reason).Add(float64(n))
}

// Snapshot is a point-in-time copy of the in-process counters.
type Snapshot struct {
	Received      int64 `json:"received"`
	Accepted      int64 `json:"accepted"`
	RateLimited   int64 `json:"rate_limited"`
	Invalid       int64 `json:"invalid"`
	PersistFailed int64 `json:"persist_failed"`
}

func (m *Ingest) Snapshot() Snapshot {
	return Snapshot{
		Received:      m.received.Load(),
		Accepted:      m.accepted.Load(),
		RateLimited:   m.rateLimited.Load(),
		Invalid:       m.invalid.Load(),
		PersistFailed: m.persistFails.Load(),
	}
}
