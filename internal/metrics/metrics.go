// Package metrics holds the Prometheus collectors for the realtime layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of open websocket connections",
		},
	)

	UsersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_users_online",
			Help: "Number of users with at least one open connection",
		},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_delivered_total",
			Help: "Frames queued to live connections, by event name",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_dropped_total",
			Help: "Events not delivered, by reason",
		},
		[]string{"reason"},
	)

	TypingSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_typing_suppressed_total",
			Help: "Repeated typing:start events suppressed inside the debounce window",
		},
	)

	TypingExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_typing_expired_total",
			Help: "Typing entries that timed out without a typing:stop",
		},
	)
)

// Drop reasons.
const (
	DropSlowConsumer  = "slow_consumer"
	DropUnknownTarget = "unknown_target"
	DropUnauthorized  = "unauthorized"
	DropEncodeFailure = "encode_failure"
)
