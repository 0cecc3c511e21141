package resolve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	cacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_resolver_cache_requests_total",
			Help: "Resolver cache lookups by result (hit, miss).",
		},
		[]string{"resolver", "result"},
	)

	fetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_resolver_fetch_failures_total",
			Help: "Fetches that exhausted their retries and fell back to an empty result.",
		},
		[]string{"resolver"},
	)

	shortCircuits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_resolver_admin_short_circuits_total",
			Help: "Permission lookups skipped because the caller is an administrator.",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portal_resolver_breaker_state",
			Help: "Data service circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)
)

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
