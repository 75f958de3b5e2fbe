package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the world server.
//
// Naming convention: namespace_subsystem_name
// - namespace: world_server (application-level grouping)
// - subsystem: websocket, room, sim, persistence (feature-level grouping)
// - name: specific metric (connections_active, ticks_seconds, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, players)
// - Counter: Cumulative events (inputs processed, saves)
// - Histogram: Latency distributions (tick time, save time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "world_server",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live world rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "world_server",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live world rooms",
	})

	// RoomPlayers tracks the number of players in each room (GaugeVec with world_id label)
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "world_server",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of players in each world room",
	}, []string{"world_id"})

	// InputsTotal tracks inbound movement inputs by outcome (CounterVec - cumulative).
	// Results: accepted, stale, overflow, malformed, no_player.
	InputsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "world_server",
		Subsystem: "sim",
		Name:      "inputs_total",
		Help:      "Total movement inputs received, by outcome",
	}, []string{"result"})

	// TickDuration tracks simulation tick processing time (Histogram - latency distribution).
	// The tick budget is 50ms; the buckets bracket it on both sides.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "world_server",
		Subsystem: "sim",
		Name:      "tick_seconds",
		Help:      "Time spent processing one simulation tick",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// SaveDuration tracks world save transaction time (Histogram - latency distribution)
	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "world_server",
		Subsystem: "persistence",
		Name:      "save_seconds",
		Help:      "Time spent committing a world save transaction",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// SavesTotal tracks world save attempts by status (CounterVec - cumulative)
	SavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "world_server",
		Subsystem: "persistence",
		Name:      "saves_total",
		Help:      "Total world save attempts, by status",
	}, []string{"status"})

	// RateLimitRequests tracks requests passing through the rate limiter (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "world_server",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded tracks rejected requests by limit type (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "world_server",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})
)
