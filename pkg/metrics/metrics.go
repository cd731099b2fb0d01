package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lsmkv"

// Metrics holds the engine's prometheus collectors. A nil *Metrics is a
// valid no-op collector.
type Metrics struct {
	// Write path
	writes        *prometheus.CounterVec
	writeRejected *prometheus.CounterVec
	memtableBytes prometheus.Gauge

	// Flush coordinator
	flushAttempts    prometheus.Counter
	flushFailures    prometheus.Counter
	flushesCompleted prometheus.Counter
	flushStuck       prometheus.Gauge
	flushDuration    prometheus.Histogram

	// WAL
	walDrained       prometheus.Counter
	walDrainErrors   prometheus.Counter
	walRotations     prometheus.Counter
	walReplayed      prometheus.Counter
	walReplayCorrupt prometheus.Counter

	// Persistence
	segments    prometheus.Gauge
	compactions prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		writes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_total",
				Help:      "Records applied to the memtable",
			},
			[]string{"op"},
		),
		writeRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "write_rejected_total",
				Help:      "Writes rejected before reaching the memtable",
			},
			[]string{"reason"},
		),
		memtableBytes: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memtable_bytes",
				Help:      "Accounted size of the active memtable generation",
			},
		),

		flushAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flush_attempts_total",
				Help:      "Attempts to hand a snapshot to the persistence sink",
			},
		),
		flushFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flush_failures_total",
				Help:      "Failed flush attempts",
			},
		),
		flushesCompleted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flushes_completed_total",
				Help:      "Snapshots durably flushed",
			},
		),
		flushStuck: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "flush_stuck",
				Help:      "1 while a snapshot flush has exhausted its retries",
			},
		),
		flushDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_duration_seconds",
				Help:      "Duration of successful flushes",
				Buckets:   prometheus.DefBuckets,
			},
		),

		walDrained: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wal_drained_records_total",
				Help:      "Records written and synced to the current WAL file",
			},
		),
		walDrainErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wal_drain_errors_total",
				Help:      "Failed WAL drains; the batch is retried",
			},
		),
		walRotations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wal_rotations_total",
				Help:      "current -> pre renames",
			},
		),
		walReplayed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wal_replayed_records_total",
				Help:      "Records restored from the WAL on open",
			},
		),
		walReplayCorrupt: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wal_replay_corrupt_files_total",
				Help:      "WAL files whose replay stopped at a corrupt frame",
			},
		),

		segments: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "segments",
				Help:      "Persisted segment files",
			},
		),
		compactions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compactions_total",
				Help:      "Full segment compactions",
			},
		),
	}
}

func (m *Metrics) RecordWrite(op string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.writeRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetMemtableBytes(n int64) {
	if m == nil {
		return
	}
	m.memtableBytes.Set(float64(n))
}

func (m *Metrics) RecordFlushAttempt(err error) {
	if m == nil {
		return
	}
	m.flushAttempts.Inc()
	if err != nil {
		m.flushFailures.Inc()
	}
}

func (m *Metrics) RecordFlushCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.flushesCompleted.Inc()
	m.flushDuration.Observe(d.Seconds())
}

func (m *Metrics) SetFlushStuck(stuck bool) {
	if m == nil {
		return
	}
	if stuck {
		m.flushStuck.Set(1)
	} else {
		m.flushStuck.Set(0)
	}
}

func (m *Metrics) RecordDrain(records int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.walDrainErrors.Inc()
		return
	}
	m.walDrained.Add(float64(records))
}

func (m *Metrics) RecordRotation() {
	if m == nil {
		return
	}
	m.walRotations.Inc()
}

func (m *Metrics) RecordReplay(records, corruptFiles int) {
	if m == nil {
		return
	}
	m.walReplayed.Add(float64(records))
	m.walReplayCorrupt.Add(float64(corruptFiles))
}

func (m *Metrics) SetSegments(n int) {
	if m == nil {
		return
	}
	m.segments.Set(float64(n))
}

func (m *Metrics) RecordCompaction() {
	if m == nil {
		return
	}
	m.compactions.Inc()
}
