// Package metrics holds counters shared by services that do not own an
// HTTP surface of their own.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	kickOnce  sync.Once
	kickTotal *prometheus.CounterVec
)

// KickCounter returns the process-wide kick outcome counter, registering it
// on first use. Labels: reason (expired, unauthorized, manual) and outcome
// (success, failure).
func KickCounter() *prometheus.CounterVec {
	kickOnce.Do(func() {
		kickTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatpool_kicks_total",
			Help: "Seat removals attempted, by reason and outcome.",
		}, []string{"reason", "outcome"})
		if err := prometheus.Register(kickTotal); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					kickTotal = existing
				}
			}
		}
	})
	return kickTotal
}

// RecordKick increments the kick counter for one removal attempt.
func RecordKick(reason string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	KickCounter().WithLabelValues(reason, outcome).Inc()
}
