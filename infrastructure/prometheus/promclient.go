package promclient

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/marketstate-bridge/domain"
)

var logger = logrus.WithField("module", "promclient")

var OpenStreamsGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "marketstate_open_streams",
		Help: "open stream containers by kind",
	},
	[]string{"kind"},
)

var ProcessedMessagesCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketstate_processed_messages_total",
		Help: "push messages consumed by stream sessions",
	},
	[]string{"type"},
)

var SnapshotFetchFailuresCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketstate_snapshot_fetch_failures_total",
		Help: "failed order book snapshot requests",
	},
	[]string{"symbol"},
)

var PendingUpdatesDroppedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketstate_pending_updates_dropped_total",
		Help: "deltas dropped from a full pre snapshot buffer",
	},
	[]string{"symbol"},
)

var OrderBookTransitionsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketstate_orderbook_transitions_total",
		Help: "order book sync status transitions",
	},
	[]string{"status"},
)

// Registry holds every collector of this package.
var Registry = newRegistry()

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(OpenStreamsGauge)
	reg.MustRegister(ProcessedMessagesCounter)
	reg.MustRegister(SnapshotFetchFailuresCounter)
	reg.MustRegister(PendingUpdatesDroppedCounter)
	reg.MustRegister(OrderBookTransitionsCounter)
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// SyncObserver feeds order book sync events into the counters above.
type SyncObserver struct{}

func (SyncObserver) OrderBookStatusChanged(_ domain.MarketSymbol, status domain.SyncStatus, _ error) {
	OrderBookTransitionsCounter.WithLabelValues(string(status)).Inc()
}

func (SyncObserver) SnapshotFetchFailed(symbol domain.MarketSymbol, _ error) {
	SnapshotFetchFailuresCounter.WithLabelValues(symbol.String()).Inc()
}

func (SyncObserver) PendingUpdateDropped(symbol domain.MarketSymbol) {
	PendingUpdatesDroppedCounter.WithLabelValues(symbol.String()).Inc()
}

// Handler serves the metrics of Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func StartPromClientServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	logger.Infof("prometheus server listening at %s", addr)

	return http.ListenAndServe(addr, mux)
}
