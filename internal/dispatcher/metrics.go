package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/gotrigger/internal/logfields"
)

const metricNamespace = "gotrigger"

const (
	dispatchesMetricName       = "dispatches_total"
	dispatchDurationMetricName = "dispatch_duration_seconds"
	lastSuccessMetricName      = "last_successful_dispatch_timestamp_seconds"
)

const (
	resultLabel     = "result"
	errorKindLabel  = "error_kind"
	sourceLabel     = "source"
	repositoryLabel = "repository"
)

type resultLabelVal string

const (
	resultLabelSuccessVal   resultLabelVal = "success"
	resultLabelFailureVal   resultLabelVal = "failure"
	resultLabelDuplicateVal resultLabelVal = "duplicate"
	resultLabelInvalidVal   resultLabelVal = "invalid"
)

type metricCollector struct {
	logger           *zap.Logger
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	lastSuccess      *prometheus.GaugeVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		dispatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      dispatchesMetricName,
				Help:      "count of processed dispatch triggers",
			},
			[]string{repositoryLabel, sourceLabel, resultLabel, errorKindLabel},
		),
		dispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      dispatchDurationMetricName,
				Help:      "duration of sending a repository dispatch including retries",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{repositoryLabel, resultLabel},
		),
		lastSuccess: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      lastSuccessMetricName,
				Help:      "unix timestamp of the last successful repository dispatch",
			},
			[]string{repositoryLabel},
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

func (m *metricCollector) DispatchesInc(repository, source string, result resultLabelVal, errKind string) {
	cnt, err := m.dispatches.GetMetricWith(prometheus.Labels{
		repositoryLabel: repository,
		sourceLabel:     source,
		resultLabel:     string(result),
		errorKindLabel:  errKind,
	})
	if err != nil {
		m.logGetMetricFailed(dispatchesMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) DispatchDurationObserve(repository string, result resultLabelVal, d time.Duration) {
	obs, err := m.dispatchDuration.GetMetricWith(prometheus.Labels{
		repositoryLabel: repository,
		resultLabel:     string(result),
	})
	if err != nil {
		m.logGetMetricFailed(dispatchDurationMetricName, err)
		return
	}

	obs.Observe(d.Seconds())
}

func (m *metricCollector) LastSuccessSet(repository string, t time.Time) {
	g, err := m.lastSuccess.GetMetricWith(prometheus.Labels{repositoryLabel: repository})
	if err != nil {
		m.logGetMetricFailed(lastSuccessMetricName, err)
		return
	}

	g.Set(float64(t.Unix()))
}
