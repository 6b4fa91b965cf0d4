// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stageAttemptsTotal *prometheus.CounterVec
	adaptationsTotal   *prometheus.CounterVec
	monitorEventsTotal *prometheus.CounterVec
	errorLinesTotal    *prometheus.CounterVec
	pagesCrawled       prometheus.Gauge
	pagesPending       prometheus.Gauge
	crawlRate          prometheus.Gauge
	currentWorkers     prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		stageAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpilot_stage_attempts_total",
				Help: "Stage attempts partitioned by stage name and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		adaptationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpilot_adaptations_total",
				Help: "Adaptation strategy applications partitioned by strategy.",
			},
			[]string{"strategy"},
		)

		monitorEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpilot_monitor_events_total",
				Help: "Monitor events partitioned by kind.",
			},
			[]string{"kind"},
		)

		errorLinesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpilot_error_lines_total",
				Help: "Classified crawler error lines partitioned by category.",
			},
			[]string{"category"},
		)

		pagesCrawled = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlpilot_pages_crawled",
				Help: "Last reported crawled page count.",
			},
		)

		pagesPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlpilot_pages_pending",
				Help: "Last reported pending page count.",
			},
		)

		crawlRate = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlpilot_crawl_rate_pages_per_minute",
				Help: "Estimated crawl rate in pages per minute.",
			},
		)

		currentWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlpilot_current_workers",
				Help: "Worker count the crawler is currently running with.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStageAttempt records a completed stage attempt.
func ObserveStageAttempt(stage, outcome string) {
	if stageAttemptsTotal != nil {
		stageAttemptsTotal.WithLabelValues(stage, outcome).Inc()
	}
}

// ObserveAdaptation records an applied adaptation strategy.
func ObserveAdaptation(strategy string) {
	if adaptationsTotal != nil {
		adaptationsTotal.WithLabelValues(strategy).Inc()
	}
}

// ObserveMonitorEvent records a monitor event emission.
func ObserveMonitorEvent(kind string) {
	if monitorEventsTotal != nil {
		monitorEventsTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveErrorLine records a classified crawler error line.
func ObserveErrorLine(category string) {
	if errorLinesTotal != nil {
		errorLinesTotal.WithLabelValues(category).Inc()
	}
}

// SetProgress updates the crawl progress gauges.
func SetProgress(crawled, pending int64, ratePerMinute float64) {
	if pagesCrawled == nil {
		return
	}
	pagesCrawled.Set(float64(crawled))
	if pending >= 0 {
		pagesPending.Set(float64(pending))
	}
	crawlRate.Set(ratePerMinute)
}

// SetWorkers updates the current worker gauge.
func SetWorkers(n int) {
	if currentWorkers != nil {
		currentWorkers.Set(float64(n))
	}
}
