package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	mergeTotal       *prometheus.CounterVec
	mergeDuration    *prometheus.HistogramVec
	nfcLookupTotal   *prometheus.CounterVec
	upstreamTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	resolveTotal     *prometheus.CounterVec
	promotionPaths   *prometheus.CounterVec
	promotionLatency *prometheus.HistogramVec
}

// NewPrometheusRecorder creates the collectors and registers them on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	recorder := &PrometheusRecorder{
		mergeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anyrepo_merge_total",
				Help: "Total number of group metadata merge lookups",
			},
			[]string{"package_type", "outcome"},
		),
		mergeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anyrepo_merge_duration_seconds",
				Help:    "Duration of group metadata merge lookups in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"package_type", "outcome"},
		),
		nfcLookupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anyrepo_nfc_lookup_total",
				Help: "Total number of not-found cache lookups",
			},
			[]string{"hit"},
		),
		upstreamTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anyrepo_upstream_fetch_total",
				Help: "Total number of fetches against remote upstreams",
			},
			[]string{"package_type", "success"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anyrepo_upstream_fetch_duration_seconds",
				Help:    "Duration of fetches against remote upstreams in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"package_type", "success"},
		),
		resolveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anyrepo_content_resolve_total",
				Help: "Total number of content resolutions by strategy",
			},
			[]string{"kind", "found"},
		),
		promotionPaths: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anyrepo_promotion_paths_total",
				Help: "Total number of paths handled by promotion operations",
			},
			[]string{"operation", "state"},
		),
		promotionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anyrepo_promotion_duration_seconds",
				Help:    "Duration of promotion operations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"operation"},
		),
	}

	reg.MustRegister(
		recorder.mergeTotal,
		recorder.mergeDuration,
		recorder.nfcLookupTotal,
		recorder.upstreamTotal,
		recorder.upstreamDuration,
		recorder.resolveTotal,
		recorder.promotionPaths,
		recorder.promotionLatency,
	)

	return recorder
}

func (r *PrometheusRecorder) RecordMerge(packageType, outcome string, duration time.Duration) {
	r.mergeTotal.WithLabelValues(packageType, outcome).Inc()
	r.mergeDuration.WithLabelValues(packageType, outcome).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordNFCLookup(hit bool) {
	r.nfcLookupTotal.WithLabelValues(strconv.FormatBool(hit)).Inc()
}

func (r *PrometheusRecorder) RecordUpstreamFetch(packageType string, success bool, duration time.Duration) {
	label := strconv.FormatBool(success)
	r.upstreamTotal.WithLabelValues(packageType, label).Inc()
	r.upstreamDuration.WithLabelValues(packageType, label).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordResolve(kind string, found bool) {
	r.resolveTotal.WithLabelValues(kind, strconv.FormatBool(found)).Inc()
}

func (r *PrometheusRecorder) RecordPromotion(operation string, completed, pending int, duration time.Duration) {
	r.promotionPaths.WithLabelValues(operation, "completed").Add(float64(completed))
	r.promotionPaths.WithLabelValues(operation, "pending").Add(float64(pending))
	r.promotionLatency.WithLabelValues(operation).Observe(duration.Seconds())
}
