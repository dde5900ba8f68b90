package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 投递结果
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeStale   = "stale"
)

var (
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoupload",
		Name:      "delivery_attempts_total",
		Help:      "Delivery attempts by outcome.",
	}, []string{"outcome"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoupload",
		Name:      "token_refresh_total",
		Help:      "Access token refreshes by result.",
	}, []string{"result"})

	JobsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoupload",
		Name:      "jobs_fired_total",
		Help:      "Deferred jobs executed by result.",
	}, []string{"result"})

	JobsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autoupload",
		Name:      "jobs_scheduled_total",
		Help:      "Deferred jobs scheduled.",
	})
)
