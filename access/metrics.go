package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_access_stage_transitions_total",
			Help: "Loading stage transitions by destination stage.",
		},
		[]string{"stage"},
	)

	loadTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_access_load_timeouts_total",
			Help: "Browsing contexts forced into the timeout stage by the watchdog.",
		},
	)

	sessionReadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_access_session_read_errors_total",
			Help: "One-shot session reads that failed.",
		},
	)

	activeContexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_access_contexts_active",
			Help: "Access contexts currently running.",
		},
	)
)
