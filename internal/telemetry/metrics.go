package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "partyquiz"

var (
	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Number of sessions entering each status.",
	}, []string{"status"})

	responsesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responses_stored_total",
		Help:      "Number of stored responses by kind.",
	}, []string{"kind"})

	broadcastsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_sent_total",
		Help:      "Number of group broadcasts dispatched by event name.",
	}, []string{"event"})

	liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_connections",
		Help:      "Number of realtime connections held by this instance.",
	})
)

func SessionTransition(status string) {
	sessionTransitions.WithLabelValues(status).Inc()
}

func ResponseStored(kind string) {
	responsesStored.WithLabelValues(kind).Inc()
}

func BroadcastSent(event string) {
	broadcastsSent.WithLabelValues(event).Inc()
}

func ConnectionOpened() {
	liveConnections.Inc()
}

func ConnectionClosed() {
	liveConnections.Dec()
}
