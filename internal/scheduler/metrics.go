package scheduler

import "github.com/prometheus/client_golang/prometheus"

// metrics are the scheduler's Prometheus instruments, exposed by the gateway
// through /metrics.
type metrics struct {
	claimed    prometheus.Counter
	completed  prometheus.Counter
	failed     prometheus.Counter
	retried    prometheus.Counter
	cancelled  prometheus.Counter
	recovered  prometheus.Counter
	heartbeats prometheus.Counter
	active     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drover_jobs_claimed_total",
			Help: "Jobs claimed from the queue.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drover_jobs_completed_total",
			Help: "Jobs that finished successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drover_jobs_failed_total",
			Help: "Jobs that exhausted their retry budget or failed fatally.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drover_jobs_retried_total",
			Help: "Job attempts re-enqueued with backoff after a transient failure.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drover_jobs_cancelled_total",
			Help: "Jobs observed as cancelled during or after execution.",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drover_jobs_recovered_total",
			Help: "Zombie jobs recovered after lease expiry.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drover_heartbeats_total",
			Help: "Lease renewals sent by running jobs.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drover_jobs_active",
			Help: "Jobs currently executing in this scheduler.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.claimed, m.completed, m.failed, m.retried,
			m.cancelled, m.recovered, m.heartbeats, m.active,
		)
	}
	return m
}
