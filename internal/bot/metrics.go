package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "margebot"

const (
	jobOutcomesMetricName   = "job_outcomes_total"
	ciWaitMetricName        = "ci_wait_duration_seconds"
	mergeRequestsMetricName = "assigned_merge_requests_count"
	cyclesMetricName        = "cycles_total"
)

const (
	projectLabel = "project"
	resultLabel  = "result"
	jobKindLabel = "job_kind"
)

type jobKindLabelVal string

const (
	jobKindSingleVal jobKindLabelVal = "single"
	jobKindBatchVal  jobKindLabelVal = "batch"
)

type metricCollector struct {
	jobOutcomes   *prometheus.CounterVec
	ciWait        prometheus.Histogram
	mergeRequests *prometheus.GaugeVec
	cycles        prometheus.Counter
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		jobOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      jobOutcomesMetricName,
				Help:      "count of finished merge jobs by result",
			},
			[]string{projectLabel, jobKindLabel, resultLabel},
		),
		ciWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      ciWaitMetricName,
				Help:      "time spent waiting for pipelines to finish",
				Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
			},
		),
		mergeRequests: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      mergeRequestsMetricName,
				Help:      "count of open merge requests assigned to the bot in the last cycle",
			},
			[]string{projectLabel},
		),
		cycles: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      cyclesMetricName,
				Help:      "count of completed polling cycles",
			},
		),
	}
}

func (m *metricCollector) jobFinished(project string, kind jobKindLabelVal, result string) {
	if m == nil {
		return
	}

	m.jobOutcomes.With(prometheus.Labels{
		projectLabel: project,
		jobKindLabel: string(kind),
		resultLabel:  result,
	}).Inc()
}

func (m *metricCollector) observeCIWait(d time.Duration) {
	if m == nil {
		return
	}

	m.ciWait.Observe(d.Seconds())
}

func (m *metricCollector) setMergeRequestCount(project string, cnt int) {
	if m == nil {
		return
	}

	m.mergeRequests.With(prometheus.Labels{projectLabel: project}).Set(float64(cnt))
}

func (m *metricCollector) cycleCompleted() {
	if m == nil {
		return
	}

	m.cycles.Inc()
}
