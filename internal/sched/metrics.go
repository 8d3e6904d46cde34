package sched

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "sched",
			Name:      "requests_total",
			Help:      "Scheduled requests by model, tier and outcome",
		},
		[]string{"model", "tier", "outcome"},
	)

	processingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "sched",
			Name:      "processing_duration_seconds",
			Help:      "Executor invocation duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	activeSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "sched",
			Name:      "active_slots",
			Help:      "Currently held execution slots per model",
		},
		[]string{"model"},
	)

	reserveRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "sched",
			Name:      "reserve_rejected_total",
			Help:      "Slot reservations rejected at capacity",
		},
		[]string{"model"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending queue entries",
		},
	)

	queueWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time entries spent queued before assignment",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "queue",
			Name:      "timeouts_total",
			Help:      "Queued requests that expired before a slot freed",
		},
	)

	gpuActiveRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "gpu",
			Name:      "active_requests",
			Help:      "In-flight requests per device",
		},
		[]string{"gpu"},
	)

	gpuRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "gpu",
			Name:      "request_duration_seconds",
			Help:      "Observed request duration per device and model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"gpu", "model"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "lifecycle",
			Name:      "load_duration_seconds",
			Help:      "Time to make a model resident",
			Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"model"},
	)

	evictionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "lifecycle",
			Name:      "evictions_total",
			Help:      "Idle models evicted under memory pressure",
		},
		[]string{"model"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "sched",
			Name:      "fallbacks_total",
			Help:      "Requests retried against the smallest model",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal, processingDuration, activeSlots, reserveRejected,
		queueDepth, queueWaitSeconds, queueTimeouts,
		gpuActiveRequests, gpuRequestDuration,
		modelLoadDuration, evictionsCounter, fallbacksTotal,
	)
}
