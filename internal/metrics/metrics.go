// Package metrics exposes the agent's Prometheus collectors. Label values
// are limited to closed sets (actions, decisions, states); DIDs, origins
// and collections never become labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PermissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibe_agent",
		Subsystem: "mediator",
		Name:      "permission_decisions_total",
		Help:      "Permission gate outcomes by action and decision.",
	}, []string{"action", "decision"})

	PromptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibe_agent",
		Subsystem: "consent",
		Name:      "prompt_outcomes_total",
		Help:      "UI prompt results by prompt kind and outcome.",
	}, []string{"kind", "outcome"})

	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibe_agent",
		Subsystem: "transport",
		Name:      "backend_requests_total",
		Help:      "Backend HTTP calls by endpoint and result.",
	}, []string{"endpoint", "result"})

	SocketState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vibe_agent",
		Subsystem: "transport",
		Name:      "socket_state",
		Help:      "Multiplexer socket state: 0 closed, 1 connecting, 2 open.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vibe_agent",
		Subsystem: "transport",
		Name:      "active_subscriptions",
		Help:      "Collections with a live update handler.",
	})

	VaultUnlocked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vibe_agent",
		Subsystem: "vault",
		Name:      "unlocked",
		Help:      "1 while the vault is unlocked.",
	})
)
