// Package ops provides the per-client metrics sink and the periodic
// stats snapshot surfaced on the facade output.
package ops

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const recentErrorCap = 32

// Sink accumulates counters for a single client instance. Counters are
// exported through an owned prometheus Registry and mirrored in atomics
// so that Snapshot doesn't require a metrics gather.
type Sink struct {
	registry *prometheus.Registry

	recordsReceived prometheus.Counter
	recordsSent     prometheus.Counter
	retries         prometheus.Counter
	checkpoints     prometheus.Counter
	leasesAcquired  prometheus.Counter
	leasesReleased  prometheus.Counter
	ownedShards     prometheus.Gauge

	nRecordsReceived atomic.Uint64
	nRecordsSent     atomic.Uint64
	nRetries         atomic.Uint64
	nCheckpoints     atomic.Uint64
	nLeasesAcquired  atomic.Uint64
	nLeasesReleased  atomic.Uint64
	nOwnedShards     atomic.Int64

	recent    *lru.Cache[string, time.Time]
	startedAt time.Time
}

// RecentError is one entry of the bounded recent-exception list.
type RecentError struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Stats is a point-in-time snapshot of a Sink.
type Stats struct {
	StartedAt       time.Time     `json:"startedAt"`
	RecordsReceived uint64        `json:"recordsReceived"`
	RecordsSent     uint64        `json:"recordsSent"`
	Retries         uint64        `json:"retries"`
	Checkpoints     uint64        `json:"checkpoints"`
	LeasesAcquired  uint64        `json:"leasesAcquired"`
	LeasesReleased  uint64        `json:"leasesReleased"`
	OwnedShards     int64         `json:"ownedShards"`
	RecentErrors    []RecentError `json:"recentErrors,omitempty"`
}

// NewSink builds a Sink whose collectors carry |stream| as a constant label.
func NewSink(stream string) *Sink {
	var s = &Sink{
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
	}
	s.recent, _ = lru.New[string, time.Time](recentErrorCap)

	var labels = prometheus.Labels{"stream": stream}
	var counter = func(name, help string) prometheus.Counter {
		var c = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "lagoon",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		s.registry.MustRegister(c)
		return c
	}

	s.recordsReceived = counter("records_received_total", "Records decoded and emitted to the output channel.")
	s.recordsSent = counter("records_sent_total", "Records successfully written to the stream.")
	s.retries = counter("call_retries_total", "Retried provider calls.")
	s.checkpoints = counter("checkpoints_total", "Checkpoints persisted to the coordinator store.")
	s.leasesAcquired = counter("leases_acquired_total", "Shard leases acquired.")
	s.leasesReleased = counter("leases_released_total", "Shard leases released or lost.")

	s.ownedShards = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "lagoon",
		Name:        "owned_shards",
		Help:        "Shards currently leased by this instance.",
		ConstLabels: labels,
	})
	s.registry.MustRegister(s.ownedShards)

	return s
}

// Registry exposes the sink's collectors, e.g. for an HTTP handler.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

func (s *Sink) RecordsReceived(n int) {
	s.recordsReceived.Add(float64(n))
	s.nRecordsReceived.Add(uint64(n))
}

func (s *Sink) RecordsSent(n int) {
	s.recordsSent.Add(float64(n))
	s.nRecordsSent.Add(uint64(n))
}

func (s *Sink) Retried() {
	s.retries.Inc()
	s.nRetries.Add(1)
}

func (s *Sink) Checkpointed() {
	s.checkpoints.Inc()
	s.nCheckpoints.Add(1)
}

func (s *Sink) LeaseAcquired() {
	s.leasesAcquired.Inc()
	s.nLeasesAcquired.Add(1)
}

func (s *Sink) LeaseReleased() {
	s.leasesReleased.Inc()
	s.nLeasesReleased.Add(1)
}

func (s *Sink) SetOwnedShards(n int) {
	s.ownedShards.Set(float64(n))
	s.nOwnedShards.Store(int64(n))
}

// ObserveError records |err| in the bounded recent-exception list.
// Duplicate messages refresh their timestamp rather than taking a new slot.
func (s *Sink) ObserveError(err error) {
	if err == nil {
		return
	}
	s.recent.Add(err.Error(), time.Now())
}

// Snapshot returns the current stats. Recent errors are ordered oldest first.
func (s *Sink) Snapshot() Stats {
	var out = Stats{
		StartedAt:       s.startedAt,
		RecordsReceived: s.nRecordsReceived.Load(),
		RecordsSent:     s.nRecordsSent.Load(),
		Retries:         s.nRetries.Load(),
		Checkpoints:     s.nCheckpoints.Load(),
		LeasesAcquired:  s.nLeasesAcquired.Load(),
		LeasesReleased:  s.nLeasesReleased.Load(),
		OwnedShards:     s.nOwnedShards.Load(),
	}
	for _, key := range s.recent.Keys() {
		if at, ok := s.recent.Peek(key); ok {
			out.RecentErrors = append(out.RecentErrors, RecentError{Message: key, At: at})
		}
	}
	return out
}
