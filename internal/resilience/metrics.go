package resilience

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "checkout",
			Name:      "provider_breaker_state",
			Help:      "Provider breaker position: 0=closed,1=open,2=half-open",
		},
		[]string{"provider"},
	)
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "provider_breaker_transitions_total",
			Help:      "Provider breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)
	breakerOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "provider_breaker_opened_total",
			Help:      "Times a provider breaker opened",
		},
		[]string{"provider"},
	)
	upstreamAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "upstream_attempts_total",
			Help:      "Outbound calls to commerce and provider endpoints by result",
		},
		[]string{"provider", "result"},
	)
)

// Collectors returns the package collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{breakerState, breakerTransitions, breakerOpened, upstreamAttempts}
}

// Register adds the collectors to reg, tolerating repeat registration.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
}
