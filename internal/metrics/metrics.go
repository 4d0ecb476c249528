// Package metrics provides Prometheus metrics for the messaging engine and relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectAttempts counts channel dial attempts by result.
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_channel_connect_attempts_total",
			Help: "Total number of push channel dial attempts",
		},
		[]string{"result"},
	)

	// StateTransitions counts channel connection state changes.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_channel_state_transitions_total",
			Help: "Total number of push channel state transitions",
		},
		[]string{"to"},
	)

	// RoomJoins counts room join outcomes.
	RoomJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_room_joins_total",
			Help: "Total number of room join requests by outcome",
		},
		[]string{"result"},
	)

	// MessagesReconciled counts how inbound and local messages were applied.
	MessagesReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_reconciled_total",
			Help: "Total number of messages applied to the active conversation by outcome",
		},
		[]string{"outcome"},
	)

	// RelayConnections tracks open websocket clients on the relay.
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_relay_active_connections",
			Help: "Number of currently connected push channel clients",
		},
	)

	// RelayMessages counts messages accepted by the relay.
	RelayMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_messages_total",
			Help: "Total number of messages submitted to the relay",
		},
	)
)

// RecordConnectAttempt records a dial attempt.
func RecordConnectAttempt(ok bool) {
	if ok {
		ConnectAttempts.WithLabelValues("success").Inc()
		return
	}
	ConnectAttempts.WithLabelValues("failure").Inc()
}

// RecordStateTransition records a connection state change.
func RecordStateTransition(to string) {
	StateTransitions.WithLabelValues(to).Inc()
}

// RecordRoomJoin records a join outcome ("issued", "joined", "rejected").
func RecordRoomJoin(result string) {
	RoomJoins.WithLabelValues(result).Inc()
}

// RecordReconciled records a reconciliation outcome.
func RecordReconciled(outcome string) {
	MessagesReconciled.WithLabelValues(outcome).Inc()
}
