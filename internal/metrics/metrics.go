package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mealsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Meal uploads by outcome class.",
		},
		[]string{"outcome"},
	)

	uploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time from upload start to terminal analysis result.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes by outcome.",
		},
		[]string{"outcome"},
	)

	syncPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of completed sync passes.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pendingItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_items",
			Help:      "Pending uploads plus sync queue items.",
		},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when connected and internet reachable.",
		},
	)

	evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_evictions_total",
			Help:      "Work store removals that were not successes.",
		},
		[]string{"collection", "reason"},
	)
)

// Eviction reasons.
const (
	ReasonRetryExhausted = "retry_exhausted"
	ReasonCapacity       = "capacity"
	ReasonExpired        = "expired"
	ReasonRejected       = "rejected"
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			uploadsTotal,
			uploadDuration,
			syncPasses,
			syncPassDuration,
			pendingItems,
			online,
			evictions,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveUpload records an upload outcome ("success" or an error class).
func ObserveUpload(outcome string, d time.Duration) {
	uploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		uploadDuration.Observe(d.Seconds())
	}
}

func ObserveSyncPass(outcome string, d time.Duration) {
	syncPasses.WithLabelValues(outcome).Inc()
	if d > 0 {
		syncPassDuration.Observe(d.Seconds())
	}
}

func SetPending(n int) {
	pendingItems.Set(float64(n))
}

func SetOnline(v bool) {
	if v {
		online.Set(1)
		return
	}
	online.Set(0)
}

func IncEviction(collection, reason string, n int) {
	if n <= 0 {
		return
	}
	evictions.WithLabelValues(collection, reason).Add(float64(n))
}
