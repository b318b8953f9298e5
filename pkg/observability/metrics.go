package observability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics bundles the Prometheus collectors for a pangraft run. A batch
// run is short-lived, so the collectors live on a private registry that is
// pushed to a Pushgateway at the end instead of being scraped.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	APIRequests  *prometheus.CounterVec
	APIDurations *prometheus.HistogramVec
	Sites        *prometheus.CounterVec
	Bandwidth    *prometheus.GaugeVec
	PublishPolls *prometheus.CounterVec
}

// NewMetrics registers the pangraft collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pangraft_api_requests_total",
			Help: "Tenant Config API calls, labeled by resource, HTTP method and status code.",
		}, []string{"resource", "method", "code"}),
		APIDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pangraft_api_request_duration_seconds",
			Help:    "Tenant Config API latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"resource", "method"}),
		Sites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pangraft_sites_total",
			Help: "Sites processed, labeled by outcome (onboarded, failed, skipped).",
		}, []string{"outcome"}),
		Bandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pangraft_bandwidth_allocated_mbps",
			Help: "Allocated bandwidth per aggregate region after the last ledger write.",
		}, []string{"region"}),
		PublishPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pangraft_publish_polls_total",
			Help: "Push job polls, labeled by observed job status.",
		}, []string{"status"}),
	}

	reg.MustRegister(m.APIRequests, m.APIDurations, m.Sites, m.Bandwidth, m.PublishPolls)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAPI records one Tenant Config API round trip. code is 0 when the
// request never produced a response.
func (m *Metrics) ObserveAPI(resource, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.APIRequests.WithLabelValues(resource, method, label).Inc()
	m.APIDurations.WithLabelValues(resource, method).Observe(elapsed.Seconds())
}

// SiteDone counts a finished site.
func (m *Metrics) SiteDone(outcome string) {
	if m == nil {
		return
	}
	m.Sites.WithLabelValues(outcome).Inc()
}

// SetBandwidth records the allocation a region holds after a ledger write.
func (m *Metrics) SetBandwidth(region string, mbps int) {
	if m == nil {
		return
	}
	m.Bandwidth.WithLabelValues(region).Set(float64(mbps))
}

// PublishPoll counts one job status poll.
func (m *Metrics) PublishPoll(status string) {
	if m == nil {
		return
	}
	m.PublishPolls.WithLabelValues(status).Inc()
}

// Push sends the collected metrics to a Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job, run string) error {
	if m == nil || url == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := push.New(url, job).
		Gatherer(m.registry).
		Grouping("run", run).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
