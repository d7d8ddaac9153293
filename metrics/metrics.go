package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_turns_total",
			Help: "Total number of finished chat turns by outcome",
		},
		[]string{"outcome"},
	)

	streamFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_stream_frames_total",
			Help: "Total number of inbound stream frames by kind",
		},
		[]string{"kind"},
	)

	connectionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_connection_events_total",
			Help: "Total number of stream connection events",
		},
		[]string{"event"},
	)

	retrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragchat_retrieval_duration_seconds",
			Help:    "Retrieval call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_actions_total",
			Help: "Total number of user actions consumed from the action stream",
		},
		[]string{"type"},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			streamFramesTotal,
			connectionEventsTotal,
			retrievalDuration,
			actionsTotal,
		)
	})
}

func RecordTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

func RecordFrame(kind string) {
	streamFramesTotal.WithLabelValues(kind).Inc()
}

func RecordConnectionEvent(event string) {
	connectionEventsTotal.WithLabelValues(event).Inc()
}

func ObserveRetrieval(outcome string, d time.Duration) {
	retrievalDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func RecordAction(actionType string) {
	actionsTotal.WithLabelValues(actionType).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
