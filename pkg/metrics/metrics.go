// Package metrics holds the prometheus collectors shared by the intake
// server and the workers. Binaries register what they use in main.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts intake decisions by endpoint and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_server_requests_total",
			Help: "number of intake requests, sorted by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
	// BuildDuration observes wall-clock build subprocess time.
	BuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "update_server_build_duration_seconds",
			Help:    "image build duration in seconds",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"distro", "target"},
	)
	// BuildsTotal counts finished builds by result.
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_server_builds_total",
			Help: "number of finished builds, sorted by result",
		},
		[]string{"result"},
	)
	// ProvisionsTotal counts imagebuilder provisioning attempts by result.
	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_server_imagebuilder_provisions_total",
			Help: "number of imagebuilder provisioning attempts, sorted by result",
		},
		[]string{"result"},
	)
	// QueueDepth tracks image requests that have not reached a terminal
	// state, refreshed on every queue mutation the server performs.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "update_server_queue_depth",
			Help: "number of image requests not yet in a terminal state",
		},
	)
	// UploadsTotal counts upload verifications by outcome.
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_server_uploads_total",
			Help: "number of worker uploads, sorted by outcome",
		},
		[]string{"outcome"},
	)
)

// All returns every collector of the package for registration in main.
func All() []prometheus.Collector {
	return []prometheus.Collector{RequestsTotal, BuildDuration, BuildsTotal, ProvisionsTotal, QueueDepth, UploadsTotal}
}
