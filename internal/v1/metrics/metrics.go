package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the presence server.
//
// Naming convention: namespace_subsystem_name
// - namespace: skyoffice (application-level grouping)
// - subsystem: websocket, room, registry, reconcile
// - name: specific metric (connections_active, rooms_active, etc.)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skyoffice",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skyoffice",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomOccupants tracks clients plus NPCs currently present per room
	RoomOccupants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "skyoffice",
		Subsystem: "room",
		Name:      "occupants_count",
		Help:      "Number of connected clients and NPCs in each room",
	}, []string{"namespace"})

	// NpcAssignments tracks the current NPC assignment count per room
	NpcAssignments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "skyoffice",
		Subsystem: "room",
		Name:      "npc_assignments",
		Help:      "Number of NPC assignments in each room",
	}, []string{"namespace"})

	// RegistryRequests counts outbound Registry calls by endpoint and outcome
	RegistryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyoffice",
		Subsystem: "registry",
		Name:      "requests_total",
		Help:      "Total Registry HTTP requests",
	}, []string{"endpoint", "status"})

	// ReconcileRuns counts reconciler ticks by outcome
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyoffice",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Total reconciler runs",
	}, []string{"status"})

	// PathfindDuration tracks A* invocation latency
	PathfindDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "skyoffice",
		Subsystem: "room",
		Name:      "pathfind_seconds",
		Help:      "Time spent computing paths",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	// CircuitBreakerState reports the Registry breaker state (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "skyoffice",
		Subsystem: "registry",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per upstream",
	}, []string{"upstream"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
