package mergetrain

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/mergetrain/internal/logfields"
)

const metricNamespace = "mergetrain"

const (
	runsMetricName             = "runs_total"
	mergeAttemptsMetricName    = "merge_attempts_total"
	lastRunTimestampName       = "last_run_timestamp_seconds"
	lastRunDurationName        = "last_run_duration_seconds"
	lastRunChangesMetricName   = "last_run_pull_requests"
	lastRunPublishedMetricName = "last_run_published"
)

const (
	resultLabel  = "result"
	outcomeLabel = "outcome"
)

type resultLabelVal string

const (
	resultLabelSuccessVal resultLabelVal = "success"
	resultLabelFailureVal resultLabelVal = "failure"
)

type metricCollector struct {
	logger           *zap.Logger
	runs             *prometheus.CounterVec
	mergeAttempts    *prometheus.CounterVec
	lastRunTimestamp prometheus.Gauge
	lastRunDuration  prometheus.Gauge
	lastRunChanges   *prometheus.GaugeVec
	lastRunPublished prometheus.Gauge
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		runs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      runsMetricName,
				Help:      "count of merge train runs",
			},
			[]string{resultLabel},
		),
		mergeAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      mergeAttemptsMetricName,
				Help:      "count of attempts to merge a pull request",
			},
			[]string{outcomeLabel},
		),
		lastRunTimestamp: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      lastRunTimestampName,
				Help:      "unix timestamp when the last run finished",
			},
		),
		lastRunDuration: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      lastRunDurationName,
				Help:      "duration of the last run",
			},
		),
		lastRunChanges: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      lastRunChangesMetricName,
				Help:      "count of pull requests that were merged or rejected in the last successful run",
			},
			[]string{outcomeLabel},
		),
		lastRunPublished: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      lastRunPublishedMetricName,
				Help:      "1 if the last successful run published a new integration commit, otherwise 0",
			},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) MergeAttemptInc(outcome MergeOutcome) {
	cnt, err := m.mergeAttempts.GetMetricWith(prometheus.Labels{outcomeLabel: outcome.String()})
	if err != nil {
		m.logGetMetricFailed(mergeAttemptsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) RunFinished(result *RunResult, duration time.Duration, runErr error) {
	m.lastRunTimestamp.SetToCurrentTime()
	m.lastRunDuration.Set(duration.Seconds())

	resultVal := resultLabelSuccessVal
	if runErr != nil {
		resultVal = resultLabelFailureVal
	}

	cnt, err := m.runs.GetMetricWith(prometheus.Labels{resultLabel: string(resultVal)})
	if err != nil {
		m.logGetMetricFailed(runsMetricName, err)
	} else {
		cnt.Inc()
	}

	if runErr != nil || result == nil {
		return
	}

	for outcome, results := range map[MergeOutcome][]*MergeResult{
		MergeOutcomeApplied:  result.Applied(),
		MergeOutcomeRejected: result.Rejected(),
	} {
		gauge, err := m.lastRunChanges.GetMetricWith(prometheus.Labels{outcomeLabel: outcome.String()})
		if err != nil {
			m.logGetMetricFailed(lastRunChangesMetricName, err)
			continue
		}

		gauge.Set(float64(len(results)))
	}

	if result.Published {
		m.lastRunPublished.Set(1)
	} else {
		m.lastRunPublished.Set(0)
	}
}
