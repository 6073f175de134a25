package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_scheduler_ticks_total",
			Help: "Total number of job ticks by outcome",
		},
		[]string{"job", "result"},
	)
	TicksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_scheduler_ticks_skipped_total",
			Help: "Ticks skipped because the previous run was still in flight",
		},
		[]string{"job"},
	)
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "risk_scheduler_tick_duration_seconds",
			Help: "Duration of completed job ticks in seconds",
		},
		[]string{"job"},
	)
	UsersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_scheduler_users_processed_total",
			Help: "Per-user processing outcomes within job ticks",
		},
		[]string{"job", "result"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(TicksSkipped)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(UsersProcessed)
}
