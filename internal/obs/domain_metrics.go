package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics holds the checkout domain collectors.
type CheckoutMetrics struct {
	// Transitions counts orchestrator state changes.
	Transitions *prometheus.CounterVec
	// RailOutcomes counts confirm outcomes per rail.
	RailOutcomes *prometheus.CounterVec
	// RailInitiations counts provider session creations, memo hits included.
	RailInitiations *prometheus.CounterVec
	// StepUps counts 3DS resolutions by result.
	StepUps *prometheus.CounterVec
	// StepUpDuration observes the time a payer spent in the challenge.
	StepUpDuration prometheus.Histogram
	// Vouchers counts voucher applications by result.
	Vouchers *prometheus.CounterVec
	// Finalizations counts notifier invocations by result.
	Finalizations *prometheus.CounterVec
}

var (
	domainOnce sync.Once
	domain     *CheckoutMetrics
)

// MustRegisterDomainMetrics initialises the checkout collectors once and returns them.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) *CheckoutMetrics {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		domain = &CheckoutMetrics{
			Transitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkout_transitions_total",
				Help:      "Checkout state machine transitions.",
			}, []string{"from", "to"})),
			RailOutcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rail_outcomes_total",
				Help:      "Confirm outcomes per payment rail.",
			}, []string{"rail", "status"})),
			RailInitiations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rail_initiations_total",
				Help:      "Payment session initiations per rail and result.",
			}, []string{"rail", "result"})),
			StepUps: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "threeds_stepups_total",
				Help:      "3DS step-up resolutions by result.",
			}, []string{"result"})),
			StepUpDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "threeds_stepup_duration_ms",
				Help:      "Time between popup open and resolution in milliseconds.",
				Buckets:   []float64{1000, 5000, 15000, 30000, 60000, 180000, 600000},
			})),
			Vouchers: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "voucher_applications_total",
				Help:      "Voucher applications by result.",
			}, []string{"result"})),
			Finalizations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_finalizations_total",
				Help:      "Order finalization notifier calls by result.",
			}, []string{"result"})),
		}
	})
	return domain
}

// Domain returns the registered checkout collectors, registering them on the
// default registerer when nothing did so yet.
func Domain() *CheckoutMetrics {
	return MustRegisterDomainMetrics("checkout", nil)
}
