// Package metrics exposes the Prometheus instrumentation for one server
// replica: agent presence, frame traffic, and terminal session activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this replica publishes. Unlike a package
// of global promauto vars, it is constructed against a caller-supplied
// prometheus.Registerer so tests can spin up isolated registries.
type Registry struct {
	AgentsOnline     prometheus.Gauge
	HeartbeatsTotal  prometheus.Counter
	InventoriesTotal prometheus.Counter
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionDuration  prometheus.Histogram
	PresenceErrors   *prometheus.CounterVec
}

// New registers and returns a Registry against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		AgentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleethub_agents_online",
			Help: "Number of agents with a live transport on this replica.",
		}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleethub_heartbeats_total",
			Help: "Total heartbeat frames received on this replica.",
		}),
		InventoriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleethub_inventories_total",
			Help: "Total inventory frames received on this replica.",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleethub_sessions_opened_total",
			Help: "Total terminal sessions opened on this replica.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleethub_sessions_closed_total",
			Help: "Total terminal sessions closed on this replica.",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleethub_session_duration_seconds",
			Help:    "Duration of terminal sessions from open to close.",
			Buckets: prometheus.DefBuckets,
		}),
		PresenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleethub_presence_errors_total",
			Help: "Presence directory errors by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		r.AgentsOnline, r.HeartbeatsTotal, r.InventoriesTotal,
		r.SessionsOpened, r.SessionsClosed, r.SessionDuration, r.PresenceErrors,
	)
	return r
}
