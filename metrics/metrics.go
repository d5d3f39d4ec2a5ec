package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goxbridge"

var Registry = prometheus.NewRegistry()

var (
	TransfersCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_created_total",
		Help:      "Transfers accepted, by protocol",
	}, []string{"protocol"})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfer_transitions_total",
		Help:      "State transitions, by target status",
	}, []string{"status"})

	Failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfer_failures_total",
		Help:      "Failed transfers, by reason code",
	}, []string{"reason"})

	CompletionSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transfer_completion_seconds",
		Help:      "Time from creation to completion",
		Buckets:   []float64{60, 120, 300, 600, 900, 1800, 3600, 7200},
	}, []string{"protocol"})

	ConnectorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_errors_total",
		Help:      "Connector calls that exhausted their retry budget",
	}, []string{"op"})

	FeedReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_feed_reconnects_total",
		Help:      "Push subscription reconnect attempts, by chain",
	}, []string{"chain"})

	WatchedTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "monitor_watched_transfers",
		Help:      "Transfers currently observed by the monitor",
	})

	Congestion = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "network_congestion_score",
		Help:      "Latest congestion score, by chain",
	}, []string{"chain"})

	ChainOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "network_online",
		Help:      "1 when the chain answered the latest sample",
	}, []string{"chain"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TransfersCreated,
		Transitions,
		Failures,
		CompletionSeconds,
		ConnectorErrors,
		FeedReconnects,
		WatchedTransfers,
		Congestion,
		ChainOnline,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
