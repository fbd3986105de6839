package ml

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Score outcome labels. Used for production monitoring only; control flow
// is routed through the decision graph, never through metrics.
const (
	outcomeSuccess     = "success"
	outcomeDisapproved = "disapproved"
	outcomeError       = "error"
)

var scoreOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "ml",
		Name:      "score_outcomes_total",
		Help:      "Scoring case outcomes: success, disapproved, or request error.",
	},
	[]string{"node", "outcome"},
)

var scoreRequests = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kestrel",
		Subsystem: "ml",
		Name:      "score_request_seconds",
		Help:      "Latency of scoring service requests.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"cache_only"},
)
