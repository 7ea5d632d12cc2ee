package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/clusterui/realtime/pkg/wire"
)

const namespace = "realtime"

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_requests_total",
		Help:      "The total number of dispatched socket requests.",
	}, []string{"verb", "status_class"})

	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gateway_active_subscriptions",
		Help:      "The number of running stream loops.",
	})

	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gateway_connections",
		Help:      "The number of open sockets.",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_frames_sent_total",
		Help:      "The total number of frames written to sockets.",
	}, []string{"type"})

	restCallDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rest_call_duration_seconds",
		Help:      "Latency of backend calls made by the REST adapter.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 1, 5, 30, 120, 300},
	}, []string{"verb", "status"})
)

// ObserveRESTCall records one backend call. It matches rest.Config.OnCall.
func ObserveRESTCall(verb wire.Verb, statusCode int, elapsed time.Duration) {
	restCallDurationHistogram.WithLabelValues(string(verb), strconv.Itoa(statusCode)).Observe(elapsed.Seconds())
}
