package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds every Prometheus metric for the pipeline. It carries its own
// prometheus.Registry so tests can build throwaway instances without
// colliding on the global default.
type Registry struct {
	reg *prometheus.Registry

	// Scan loop
	ScanDuration prometheus.Histogram
	ScansTotal   prometheus.Counter
	ScanErrors   *prometheus.CounterVec

	// Detection
	AnomaliesDetected *prometheus.CounterVec
	AnomaliesCurrent  prometheus.Gauge

	// Gateway
	GatewayConnected    prometheus.Gauge
	UnderlyingPrice     prometheus.Gauge
	SubscriptionsActive prometheus.Gauge
	SubscriptionChurn   *prometheus.CounterVec

	// Ingress
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Sink
	StorageOps        *prometheus.CounterVec
	BroadcastsTotal   *prometheus.CounterVec
	BroadcastsDropped prometheus.Counter
}

// NewRegistry builds and registers the full metric set.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spyflow_scan_duration_seconds",
			Help:    "Duration of one full scan cycle in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyflow_scans_total",
			Help: "Total scan cycles started",
		}),
		ScanErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spyflow_scan_errors_total",
			Help: "Scan cycle errors by error class",
		}, []string{"error_type"}),

		AnomaliesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spyflow_anomalies_detected_total",
			Help: "Anomalies detected by severity",
		}, []string{"severity"}),
		AnomaliesCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spyflow_anomalies_current",
			Help: "Anomalies returned by the most recent query",
		}),

		GatewayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spyflow_gateway_connected",
			Help: "Gateway connection status (1=connected, 0=disconnected)",
		}),
		UnderlyingPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spyflow_underlying_price",
			Help: "Most recent SPY price observed by the scan loop",
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spyflow_subscriptions_active",
			Help: "Live option-contract market-data subscriptions",
		}),
		SubscriptionChurn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spyflow_subscription_churn_total",
			Help: "Subscription adds and cancels from window reconciliation",
		}, []string{"action"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spyflow_http_requests_total",
			Help: "HTTP requests by method, endpoint and status",
		}, []string{"method", "endpoint", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spyflow_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "endpoint"}),

		StorageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spyflow_storage_operations_total",
			Help: "Storage operations by operation and status",
		}, []string{"operation", "status"}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spyflow_broadcasts_total",
			Help: "Hub broadcasts by event and status",
		}, []string{"event", "status"}),
		BroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyflow_broadcasts_dropped_total",
			Help: "Broadcasts dropped from the bounded worker queue",
		}),
	}

	r.reg.MustRegister(
		r.ScanDuration, r.ScansTotal, r.ScanErrors,
		r.AnomaliesDetected, r.AnomaliesCurrent,
		r.GatewayConnected, r.UnderlyingPrice,
		r.SubscriptionsActive, r.SubscriptionChurn,
		r.HTTPRequests, r.HTTPDuration,
		r.StorageOps, r.BroadcastsTotal, r.BroadcastsDropped,
	)
	return r
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordScan observes a completed scan cycle.
func (r *Registry) RecordScan(d time.Duration) {
	r.ScansTotal.Inc()
	r.ScanDuration.Observe(d.Seconds())
}

// RecordScanError counts a scan failure by its error class.
func (r *Registry) RecordScanError(errorType string) {
	r.ScanErrors.WithLabelValues(errorType).Inc()
	log.Warn().Str("error_type", errorType).Msg("scan error recorded")
}

// AnomalyTotals reads the detected-anomaly counters back by severity, for
// the dashboard stats block.
func (r *Registry) AnomalyTotals() map[string]float64 {
	totals := make(map[string]float64, 3)
	var m io_prometheus_client.Metric
	for _, severity := range []string{"LOW", "MEDIUM", "HIGH"} {
		c, err := r.AnomaliesDetected.GetMetricWithLabelValues(severity)
		if err != nil {
			continue
		}
		if err := c.Write(&m); err != nil {
			continue
		}
		totals[strings.ToLower(severity)] = m.GetCounter().GetValue()
	}
	return totals
}
