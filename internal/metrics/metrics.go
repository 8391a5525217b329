// Package metrics declares the process-wide Prometheus instruments.
// Naming follows namespace_subsystem_name with the playhouse namespace;
// the admin endpoint serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/playhouselab/playhouse/internal/payload"
)

const namespace = "playhouse"

var (
	// SessionsActive - текущее число живых клиентских сессий.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Current number of connected client sessions",
	})

	// SessionsOpened counts every accepted client connection.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "opened_total",
		Help:      "Total accepted client sessions",
	})

	// SessionsClosed counts closed sessions by reason.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Total closed client sessions",
	}, []string{"reason"})

	// ClientBytesIn counts bytes read from clients after framing.
	ClientBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "bytes_in_total",
		Help:      "Total bytes received from clients",
	})

	// ClientBytesOut counts bytes written to clients.
	ClientBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "bytes_out_total",
		Help:      "Total bytes sent to clients",
	})

	// StagesActive - текущее число живых стадий.
	StagesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "play",
		Name:      "stages_active",
		Help:      "Current number of live stages",
	})

	// StagesCreated counts successful stage creations by stage type.
	StagesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "play",
		Name:      "stages_created_total",
		Help:      "Total stages created",
	}, []string{"stage_type"})

	// ActorsActive - текущее число актёров по всем стадиям.
	ActorsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "play",
		Name:      "actors_active",
		Help:      "Current number of joined actors",
	})

	// HandlerPanics counts recovered panics by dispatch site.
	HandlerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "panics_total",
		Help:      "Total recovered handler panics",
	}, []string{"where"})

	// MessagesDispatched counts dispatched packets by kind (client, system,
	// api, continuation).
	MessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "messages_total",
		Help:      "Total dispatched messages",
	}, []string{"kind"})

	// RequestTimeouts counts synthesized request timeouts by message id.
	RequestTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "request",
		Name:      "timeouts_total",
		Help:      "Total request timeouts",
	}, []string{"msg_id"})

	// MeshPacketsSent counts outbound mesh packets by destination server.
	MeshPacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mesh",
		Name:      "packets_sent_total",
		Help:      "Total packets sent to peer servers",
	}, []string{"to"})

	// MeshPacketsReceived counts inbound mesh packets by origin server.
	MeshPacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mesh",
		Name:      "packets_received_total",
		Help:      "Total packets received from peer servers",
	}, []string{"from"})

	// MeshSendErrors counts failed mesh sends by reason.
	MeshSendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mesh",
		Name:      "send_errors_total",
		Help:      "Total failed mesh sends",
	}, []string{"reason"})

	// MeshPeersAlive - текущее число живых пиров в сетке.
	MeshPeersAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mesh",
		Name:      "peers_alive",
		Help:      "Current number of live mesh peers",
	})

	// MessagesDropped counts packets that reached a dispatcher but no
	// handler or stage.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "dropped_total",
		Help:      "Total messages dropped without dispatch",
	}, []string{"reason"})

	// TickDuration observes fixed-timestep game loop ticks.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "play",
		Name:      "tick_duration_seconds",
		Help:      "Game loop tick execution time",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
)

// Счётчики глобального пула буферов читаются прямо из его атомиков.
var (
	PoolHits = promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "hits_total",
		Help:      "Buffer rents served from the pool",
	}, func() float64 { return float64(payload.GlobalStats().Hits) })

	PoolMisses = promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "misses_total",
		Help:      "Buffer rents that fell through to the allocator",
	}, func() float64 {
		st := payload.GlobalStats()
		// Снимки атомиков не согласованы между собой; разность клампится.
		if st.Hits >= st.Rents {
			return 0
		}
		return float64(st.Rents - st.Hits)
	})

	PoolDrops = promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "drops_total",
		Help:      "Buffers dropped on return to a full pool",
	}, func() float64 { return float64(payload.GlobalStats().Drops) })
)

// DepthGauge registers a scrape-time gauge over a live depth source,
// labelled by server id so several servers can share one process. The
// caller unregisters the collector when its server stops.
func DepthGauge(subsystem, name, help, serverID string, fn func() float64) prometheus.Collector {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"server_id": serverID},
	}, fn)
	prometheus.MustRegister(g)
	return g
}
