package serviceworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPosted counts control messages by type and outcome
	// Labels: type (SKIP_WAITING|CLEAR_CACHES|INVALIDATE_API_CACHE), result (posted|dropped|error)
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_sw_messages_total",
			Help: "Total service worker control messages",
		},
		[]string{"type", "result"},
	)

	// MessagesHandled counts messages handled inside workers
	// Labels: type, result (success|error)
	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_sw_messages_handled_total",
			Help: "Total control messages handled by workers",
		},
		[]string{"type", "result"},
	)

	// WorkerTransitions counts worker state transitions
	// Labels: state (installing|installed|activating|activated|redundant)
	WorkerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_sw_worker_transitions_total",
			Help: "Total service worker state transitions",
		},
		[]string{"state"},
	)
)
