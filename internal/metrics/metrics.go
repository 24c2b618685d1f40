package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_started_total",
			Help: "Total number of research sessions started",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_sessions_active",
			Help: "Number of non-terminal research sessions",
		},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_completed_total",
			Help: "Total number of sessions reaching a terminal state",
		},
		[]string{"status"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_session_duration_seconds",
			Help:    "Wall-clock duration from creation to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	AdmissionRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_admission_rejected_total",
			Help: "Total number of session starts rejected at the concurrency ceiling",
		},
	)

	SessionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_reaped_total",
			Help: "Total number of terminal sessions evicted by the reaper",
		},
	)

	ReviewCycles = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_review_cycles",
			Help:    "Review cycles consumed per completed session",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
		},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_stage_duration_seconds",
			Help:    "Workflow stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_stage_errors_total",
			Help: "Total number of stage failures by stage and kind",
		},
		[]string{"stage", "kind"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_events_published_total",
			Help: "Total number of progress events published",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_events_dropped_total",
			Help: "Total number of events dropped on lagging subscribers",
		},
	)

	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_subscribers_active",
			Help: "Number of live event stream subscribers",
		},
	)

	// LLM provider metrics
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_provider_requests_total",
			Help: "Total number of LLM provider calls",
		},
		[]string{"status"},
	)

	ProviderLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_provider_latency_seconds",
			Help:    "LLM provider call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// Archive metrics
	ArchiveQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_archive_queue_depth",
			Help: "Pending writes in the archive queue",
		},
	)

	ArchiveDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_archive_drops_total",
			Help: "Total number of archive writes dropped due to a full queue",
		},
	)

	ArchiveErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_archive_errors_total",
			Help: "Total number of failed archive writes",
		},
	)
)

// RecordSessionTerminal records the terminal outcome of a session.
func RecordSessionTerminal(status string, durationSeconds float64, reviewCycles int) {
	SessionsCompleted.WithLabelValues(status).Inc()
	SessionDuration.WithLabelValues(status).Observe(durationSeconds)
	if status == "completed" {
		ReviewCycles.Observe(float64(reviewCycles))
	}
}

// RecordStage records a stage execution.
func RecordStage(stage string, durationSeconds float64, errKind string) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if errKind != "" {
		StageErrors.WithLabelValues(stage, errKind).Inc()
	}
}
