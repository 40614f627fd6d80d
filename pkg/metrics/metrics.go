// Package metrics exposes Prometheus collectors for chat sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Registry holds every chatsync collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Canonical events applied to a timeline, by kind.",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped before or during reconciliation, by reason.",
		},
		[]string{"reason"},
	)

	HistoryFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetches_total",
			Help:      "History page fetches, by outcome.",
		},
		[]string{"outcome"},
	)

	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Optimistic sends, by outcome.",
		},
		[]string{"outcome"},
	)

	TypingSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_signals_total",
			Help:      "Local typing signals emitted, by signal.",
		},
		[]string{"signal"},
	)

	OpenSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Conversation sessions currently open.",
		},
	)
)

// Drop reasons.
const (
	ReasonMalformed     = "malformed"
	ReasonOutOfContext  = "out_of_context"
	ReasonUnknownTarget = "unknown_target"
	ReasonTombstoned    = "tombstoned"
	ReasonStale         = "stale"
	ReasonClosed        = "closed"
)

// Outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeExhausted = "exhausted"
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		EventsApplied,
		EventsDropped,
		HistoryFetches,
		Sends,
		TypingSignals,
		OpenSessions,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
