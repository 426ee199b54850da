// Package metrics exposes Prometheus metrics for the perps engine
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PerpsMetrics collects engine, vault and network metrics into a dedicated
// Prometheus registry
type PerpsMetrics struct {
	namespace string
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer
	logger    log.Logger

	// Order lifecycle metrics
	ordersCreated     prometheus.Counter
	ordersExecuted    prometheus.Counter
	ordersCancelled   prometheus.Counter
	liquidations      prometheus.Counter
	settlementLatency prometheus.Histogram

	// Vault and exposure metrics
	poolAssets        prometheus.Gauge
	poolShares        prometheus.Gauge
	collateralCustody prometheus.Gauge
	netSkew           prometheus.GaugeVec
	indexPrice        prometheus.GaugeVec

	// Network metrics
	natsPublished prometheus.Counter
	wsMessagesOut prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewPerpsMetrics creates and registers the metric set
func NewPerpsMetrics(namespace string) (*PerpsMetrics, error) {
	logger := log.Root().New("module", "metrics")

	registry := prometheus.NewRegistry()

	m := &PerpsMetrics{
		namespace: namespace,
		registry:  registry,
		gatherer:  registry,
		logger:    logger,

		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Total number of orders created",
		}),

		ordersExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_executed_total",
			Help:      "Total number of orders executed",
		}),

		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Total number of orders cancelled",
		}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total number of positions liquidated",
		}),

		settlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_latency_microseconds",
			Help:      "Order settlement latency in microseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),

		poolAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_assets_usd",
			Help:      "Liquidity pool assets in USD",
		}),

		poolShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_shares",
			Help:      "Outstanding liquidity pool shares",
		}),

		collateralCustody: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collateral_custody_usd",
			Help:      "Total trader collateral in custody, USD",
		}),

		netSkew: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "net_skew_usd",
			Help:      "Net directional exposure per market, USD",
		}, []string{"market"}),

		indexPrice: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_price_usd",
			Help:      "Latest accepted index price per market, USD",
		}, []string{"market"}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		wsMessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_sent_total",
			Help:      "Total WebSocket messages sent",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.ordersCreated,
		m.ordersExecuted,
		m.ordersCancelled,
		m.liquidations,
		m.settlementLatency,
		m.poolAssets,
		m.poolShares,
		m.collateralCustody,
		m.netSkew,
		m.indexPrice,
		m.natsPublished,
		m.wsMessagesOut,
		m.memoryUsage,
		m.goroutines,
	)

	logger.Info("Perps metrics initialized")
	return m, nil
}

// StartServer starts the Prometheus metrics server
func (m *PerpsMetrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	m.logger.Info("Prometheus metrics available",
		"endpoint", "http://localhost:"+port+"/metrics")

	return nil
}

// RecordOrderCreated records an order entering the queue
func (m *PerpsMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordOrderExecuted records a successful execution
func (m *PerpsMetrics) RecordOrderExecuted() {
	m.ordersExecuted.Inc()
}

// RecordOrderCancelled records a cancellation
func (m *PerpsMetrics) RecordOrderCancelled() {
	m.ordersCancelled.Inc()
}

// RecordLiquidation records a forced close
func (m *PerpsMetrics) RecordLiquidation() {
	m.liquidations.Inc()
}

// RecordSettlementLatency records end-to-end settlement latency
func (m *PerpsMetrics) RecordSettlementLatency(microseconds float64) {
	m.settlementLatency.Observe(microseconds)
}

// UpdatePool updates pool asset and share gauges
func (m *PerpsMetrics) UpdatePool(assets, shares float64) {
	m.poolAssets.Set(assets)
	m.poolShares.Set(shares)
}

// UpdateCollateralCustody updates the total custody gauge
func (m *PerpsMetrics) UpdateCollateralCustody(total float64) {
	m.collateralCustody.Set(total)
}

// UpdateNetSkew updates per-market net exposure
func (m *PerpsMetrics) UpdateNetSkew(market string, skew float64) {
	m.netSkew.WithLabelValues(market).Set(skew)
}

// UpdateIndexPrice updates the per-market price gauge
func (m *PerpsMetrics) UpdateIndexPrice(market string, price float64) {
	m.indexPrice.WithLabelValues(market).Set(price)
}

// RecordNATSPublished records a published NATS message
func (m *PerpsMetrics) RecordNATSPublished() {
	m.natsPublished.Inc()
}

// RecordWSMessage records a WebSocket message sent
func (m *PerpsMetrics) RecordWSMessage() {
	m.wsMessagesOut.Inc()
}

// CollectSystemMetrics collects runtime stats until the context ends
func (m *PerpsMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
