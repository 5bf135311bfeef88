// Package monitoring exposes run metrics for Prometheus, either scraped from a
// small HTTP server while a run is in progress or pushed to a Pushgateway when
// it ends.
package monitoring

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// getKubernetesLabels returns the constant labels taken from the pod
// environment
func getKubernetesLabels() prometheus.Labels {
	labels := prometheus.Labels{}

	if ns := os.Getenv("KUBERNETES_NAMESPACE"); ns != "" {
		labels["kubernetes_namespace"] = ns
	}
	if pod := os.Getenv("KUBERNETES_POD_NAME"); pod != "" {
		labels["kubernetes_pod_name"] = pod
	}
	if release := os.Getenv("HELM_RELEASE_NAME"); release != "" {
		labels["helm_release"] = release
	}

	return labels
}

// Metrics holds the collectors of one process. Every run records into the
// same registry, labelled with the run's label.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	PhaseDuration     *prometheus.HistogramVec
	BytesTransferred  *prometheus.CounterVec
	Throughput        *prometheus.HistogramVec
	SpotChecksTotal   *prometheus.CounterVec
	PollObservations  *prometheus.CounterVec
	ObjectSize        *prometheus.GaugeVec
	LastRunTimestamp  *prometheus.GaugeVec
	HTTPRequestsTotal *prometheus.CounterVec
	BuildInfo         *prometheus.GaugeVec
}

// NewMetrics creates a registry with all collectors registered
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(prometheus.WrapRegistererWith(getKubernetesLabels(), registry))

	return &Metrics{
		registry: registry,

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfer_runs_total",
				Help: "Total number of end-to-end runs by result",
			},
			[]string{"label", "mode", "result"},
		),

		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xfer_phase_duration_seconds",
				Help:    "Duration of the phases of a run",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"label", "phase"},
		),

		BytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfer_bytes_transferred_total",
				Help: "Total bytes moved by uploads and transfers",
			},
			[]string{"label", "direction"},
		),

		Throughput: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xfer_throughput_mbps",
				Help:    "Throughput of uploads and transfers in MB/s",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"label", "phase", "object_size_category"},
		),

		SpotChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfer_spot_checks_total",
				Help: "Total number of spot checks by result",
			},
			[]string{"label", "result"},
		),

		PollObservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfer_poll_observations_total",
				Help: "Size observations made while waiting for a stable target",
			},
			[]string{"label", "state"},
		),

		ObjectSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "xfer_object_size_bytes",
				Help: "Size of the test object of the last run",
			},
			[]string{"label"},
		),

		LastRunTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "xfer_last_run_timestamp_seconds",
				Help: "Unix time at which the last run finished",
			},
			[]string{"label", "result"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfer_http_requests_total",
				Help: "Requests served by the monitoring server",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		BuildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "xfer_build_info",
				Help: "Build information",
			},
			[]string{"version", "commit"},
		),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetBuildInfo sets build information
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.BuildInfo.WithLabelValues(version, commit).Set(1)
}

// RecordRun records the outcome of a finished run
func (m *Metrics) RecordRun(label, mode string, passed bool, size int64) {
	result := resultLabel(passed)
	m.RunsTotal.WithLabelValues(label, mode, result).Inc()
	m.ObjectSize.WithLabelValues(label).Set(float64(size))
	m.LastRunTimestamp.WithLabelValues(label, result).Set(float64(time.Now().Unix()))
}

// RecordPhase records how long a phase took
func (m *Metrics) RecordPhase(label, phase string, d time.Duration) {
	m.PhaseDuration.WithLabelValues(label, phase).Observe(d.Seconds())
}

// RecordThroughput records the MB/s of a phase that moved n bytes
func (m *Metrics) RecordThroughput(label, phase string, n int64, d time.Duration) {
	if d <= 0 || n <= 0 {
		return
	}
	mbps := float64(n) / (1024 * 1024) / d.Seconds()
	m.Throughput.WithLabelValues(label, phase, getObjectSizeCategory(n)).Observe(mbps)
}

// BytesCounter returns a callback adding to the bytes counter of direction
func (m *Metrics) BytesCounter(label, direction string) func(n int) {
	c := m.BytesTransferred.WithLabelValues(label, direction)
	return func(n int) { c.Add(float64(n)) }
}

// RecordSpotCheck counts one spot check
func (m *Metrics) RecordSpotCheck(label string, passed bool) {
	m.SpotChecksTotal.WithLabelValues(label, resultLabel(passed)).Inc()
}

// RecordPollObservation counts one size observation: "match", "mismatch" or
// "not_found"
func (m *Metrics) RecordPollObservation(label, state string) {
	m.PollObservations.WithLabelValues(label, state).Inc()
}

// Push sends all metrics to a Pushgateway, grouped by label
func (m *Metrics) Push(url, job, label string) error {
	err := push.New(url, job).
		Gatherer(m.registry).
		Grouping("label", label).
		Push()
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}

func resultLabel(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}

// getObjectSizeCategory categorizes objects by size for better metrics analysis
func getObjectSizeCategory(size int64) string {
	if size < 1024*1024 {
		return "small" // < 1MiB
	} else if size < 100*1024*1024 {
		return "medium" // < 100MiB
	} else if size < 1024*1024*1024 {
		return "large" // < 1GiB
	}
	return "huge" // >= 1GiB
}
