// Package metrics holds process-wide counters that do not belong to a
// single store or flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionTransitions counts backend auth events by name as the session
// store observes them.
var SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keel_session_transitions_total",
	Help: "Backend auth events observed by the session store",
}, []string{"event"})
