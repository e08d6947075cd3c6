package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Live logs
	RecordsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backupindex_records_appended_total",
		Help: "The total number of index mutation records appended",
	})

	SegmentsSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backupindex_segments_sealed_total",
		Help: "The total number of live log segments sealed",
	})

	SegmentsBackedUp = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backupindex_segments_backed_up_total",
		Help: "The total number of live log segments stored durably",
	})

	// Checkpoints
	CheckpointsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backupindex_checkpoints_committed_total",
		Help: "The total number of checkpoints durably committed",
	})

	DurabilityFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backupindex_durability_failures_total",
		Help: "The total number of failed durable stores",
	}, []string{"kind"})

	TombstonesCompacted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backupindex_tombstone_versions_compacted_total",
		Help: "The total number of versions removed by tombstone compaction",
	})

	// Playback
	Playbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backupindex_playbacks_total",
		Help: "The total number of index rebuilds",
	}, []string{"result"})

	PlaybackDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "backupindex_playback_duration_seconds",
		Help:    "The duration of index rebuilds",
		Buckets: prometheus.DefBuckets,
	})

	// Synthetic full
	SynthFullTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backupindex_synthfull_transitions_total",
		Help: "The total number of synthetic-full state transitions",
	}, []string{"state"})

	SynthFullPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backupindex_synthfull_pending_jobs",
		Help: "The number of synthetic-full jobs awaiting chunks",
	})

	// HTTP
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backupindex_http_requests_total",
		Help: "The total number of HTTP requests served",
	}, []string{"method", "code"})

	HTTPRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backupindex_http_rejected_total",
		Help: "The total number of HTTP requests rejected by the in-flight limit",
	})

	// Events
	EventPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backupindex_event_publish_errors_total",
		Help: "The total number of job events that failed to publish",
	})
)

func init() {
	prometheus.MustRegister(RecordsAppended)
	prometheus.MustRegister(SegmentsSealed)
	prometheus.MustRegister(SegmentsBackedUp)
	prometheus.MustRegister(CheckpointsCommitted)
	prometheus.MustRegister(DurabilityFailures)
	prometheus.MustRegister(TombstonesCompacted)
	prometheus.MustRegister(Playbacks)
	prometheus.MustRegister(PlaybackDuration)
	prometheus.MustRegister(SynthFullTransitions)
	prometheus.MustRegister(SynthFullPending)
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(HTTPRejected)
	prometheus.MustRegister(EventPublishErrors)
}
