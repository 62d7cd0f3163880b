package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seatpool",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seatpool",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.joinResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seatpool",
			Subsystem: "api",
			Name:      "join_results_total",
			Help:      "Number of seat allocation outcomes",
		}, []string{"outcome"})

		collectors := []prometheus.Collector{r.requestTotal, r.requestDuration, r.joinResults}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == r.requestTotal {
							r.requestTotal = existing
						} else {
							r.joinResults = existing
						}
					case *prometheus.HistogramVec:
						r.requestDuration = existing
					}
				}
			}
		}
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequest(method, route string, status int, elapsed time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := []string{method, route, strconv.Itoa(status)}
	r.requestTotal.WithLabelValues(labels...).Inc()
	r.requestDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
}

func (r *Router) recordJoinOutcome(outcome string) {
	if !r.metricsInitialized {
		return
	}
	r.joinResults.WithLabelValues(outcome).Inc()
}
