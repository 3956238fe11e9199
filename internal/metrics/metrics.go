package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "caremonitor"

// Metrics holds the Prometheus collectors for the analysis service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	StageDuration    *prometheus.HistogramVec
	StageFailures    *prometheus.CounterVec
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	Decisions        *prometheus.CounterVec
	EpisodeMerges    *prometheus.CounterVec
	EpisodeConflicts prometheus.Counter
	Notifications    *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each analysis stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Stage calls that failed or timed out and fell back to defaults",
		}, []string{"stage"}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome (ok, degraded, aborted, timeout)",
		}, []string{"outcome"}),
		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "End-to-end pipeline duration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "outcomes_total",
			Help:      "Decision outcomes (notify, abuse, quiet)",
		}, []string{"outcome"}),
		EpisodeMerges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "episodes_total",
			Help:      "Timeline actions per analysis (merged, created, hidden)",
		}, []string{"action"}),
		EpisodeConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "update_conflicts_total",
			Help:      "Episode updates retried after a concurrent change",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Notification records by delivery result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if failed {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) ObservePipeline(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(outcome).Inc()
	m.PipelineDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveDecision(notify, abuse bool) {
	if m == nil {
		return
	}
	if notify {
		m.Decisions.WithLabelValues("notify").Inc()
	}
	if abuse {
		m.Decisions.WithLabelValues("abuse").Inc()
	}
	if !notify && !abuse {
		m.Decisions.WithLabelValues("quiet").Inc()
	}
}

func (m *Metrics) ObserveEpisode(action string) {
	if m == nil {
		return
	}
	m.EpisodeMerges.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.EpisodeConflicts.Inc()
}

func (m *Metrics) ObserveNotification(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}
