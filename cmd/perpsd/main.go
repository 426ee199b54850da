package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/blaex/perps/pkg/api"
	"github.com/blaex/perps/pkg/metrics"
	"github.com/blaex/perps/pkg/perps"
	"github.com/blaex/perps/pkg/websocket"
)

const (
	defaultDataDir     = ".perpsd"
	defaultPort        = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NATSUrl     string

	// Engine
	Authority   string
	FeeReceiver string
	Symbol      string
	FeedID      string
	MaxSkewUsd  int64

	// Persistence
	SnapshotInterval time.Duration

	// Features
	EnableMetrics bool
	EnableNATS    bool
}

type PerpsNode struct {
	config   *Config
	db       database.Database
	store    *perps.Store
	exchange *perps.Exchange
	wsServer *websocket.Server
	metrics  *metrics.PerpsMetrics
	nc       *nats.Conn
	logger   log.Logger

	// Runtime stats
	eventsPublished uint64
	snapshotsTaken  uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPerpsNode(config *Config) (*PerpsNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing perps node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB is the default, with an in-memory fallback for local runs.
	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpsd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	engineConfig := perps.DefaultConfig()
	engineConfig.Authority = config.Authority
	engineConfig.FeeReceiver = config.FeeReceiver
	exchange := perps.NewExchange(engineConfig)

	store := perps.NewStore(db)
	if err := store.Restore(exchange); err != nil {
		logger.Warn("Failed to restore state", "error", err)
	}

	var feedID [32]byte
	if _, err := fmt.Sscanf(config.FeedID, "%64x", &feedID); err != nil {
		return nil, fmt.Errorf("invalid feed id %q: %w", config.FeedID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := &PerpsNode{
		config:   config,
		db:       db,
		store:    store,
		exchange: exchange,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	if _, err := exchange.Registry.CreateMarket(config.Authority, perps.MarketParams{
		ID:          1,
		Symbol:      config.Symbol,
		PriceFeedID: feedID,
		MaxSkew:     usdWad(config.MaxSkewUsd),
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create market: %w", err)
	}

	if config.EnableMetrics {
		m, err := metrics.NewPerpsMetrics("perps")
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to init metrics: %w", err)
		}
		node.metrics = m
	}

	if config.EnableNATS {
		nc, err := nats.Connect(config.NATSUrl)
		if err != nil {
			logger.Warn("NATS unavailable, event publishing disabled", "error", err)
		} else {
			node.nc = nc
			logger.Info("Connected to NATS", "url", config.NATSUrl)
		}
	}

	node.wsServer = websocket.NewServer(exchange, logger, websocket.DefaultConfig())

	return node, nil
}

func usdWad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), perps.Wad)
}

func wadFloat(x *big.Int) float64 {
	f, _ := decimal.NewFromBigInt(x, -18).Float64()
	return f
}

func (n *PerpsNode) Start() error {
	n.logger.Info("Starting perps node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort,
		"symbol", n.config.Symbol)

	// Engine event loop: the single consumer of engine events, fanning out
	// to WebSocket clients, NATS subjects and metrics.
	n.wg.Add(1)
	go n.runEventLoop()

	// Periodic state snapshots
	n.wg.Add(1)
	go n.runSnapshots()

	// WebSocket server
	go func() {
		if err := n.wsServer.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server error", "error", err)
		}
	}()

	// Metrics
	if n.metrics != nil {
		if err := n.metrics.StartServer(fmt.Sprintf("%d", n.config.MetricsPort)); err != nil {
			return err
		}
		go n.metrics.CollectSystemMetrics(n.ctx)
		n.wg.Add(1)
		go n.runGauges()
	}

	// JSON-RPC server
	go func() {
		if err := api.StartJSONRPCServer(n.ctx, n.config.HTTPPort, n.exchange, n.logger); err != nil && err != http.ErrServerClosed {
			n.logger.Error("JSON-RPC server error", "error", err)
		}
	}()

	n.logger.Info("Perps node started")
	return nil
}

func (n *PerpsNode) runEventLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case event, ok := <-n.exchange.Events:
			if !ok {
				return
			}
			n.handleEvent(event)
		}
	}
}

func (n *PerpsNode) handleEvent(event perps.Event) {
	n.wsServer.PublishEvent(event)
	atomic.AddUint64(&n.eventsPublished, 1)

	if n.metrics != nil {
		switch event.Type {
		case perps.EventOrderCreated:
			n.metrics.RecordOrderCreated()
		case perps.EventOrderCancelled:
			n.metrics.RecordOrderCancelled()
		case perps.EventOrderExecuted:
			n.metrics.RecordOrderExecuted()
		case perps.EventLiquidation:
			n.metrics.RecordLiquidation()
		}
	}

	// Persist order records as they change; the snapshot ticker covers
	// positions.
	if event.Order != nil {
		if err := n.store.SaveOrder(event.Order); err != nil {
			n.logger.Error("Failed to persist order", "id", event.Order.ID, "error", err)
		}
	}

	if n.nc != nil {
		subject := natsSubject(event.Type)
		payload, err := json.Marshal(eventPayload(event))
		if err != nil {
			n.logger.Error("Failed to encode event", "error", err)
			return
		}
		if err := n.nc.Publish(subject, payload); err != nil {
			n.logger.Error("Failed to publish event", "subject", subject, "error", err)
			return
		}
		if n.metrics != nil {
			n.metrics.RecordNATSPublished()
		}
	}
}

func natsSubject(eventType perps.EventType) string {
	switch eventType {
	case perps.EventLiquidation:
		return "perps.liquidations"
	case perps.EventPriceAccepted:
		return "perps.prices"
	}
	return "perps.orders"
}

func eventPayload(event perps.Event) map[string]interface{} {
	payload := map[string]interface{}{
		"type":      string(event.Type),
		"market":    event.MarketID,
		"timestamp": event.Timestamp.Unix(),
	}
	if event.Order != nil {
		payload["orderId"] = event.Order.ID
		payload["trader"] = event.Order.Trader
		payload["status"] = event.Order.Status.String()
	}
	if event.Price != nil {
		payload["price"] = decimal.NewFromBigInt(event.Price, -18).String()
	}
	return payload
}

func (n *PerpsNode) runSnapshots() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.store.Snapshot(n.exchange); err != nil {
				n.logger.Error("Snapshot failed", "error", err)
				continue
			}
			atomic.AddUint64(&n.snapshotsTaken, 1)
			n.logger.Debug("State snapshot written",
				"snapshots", atomic.LoadUint64(&n.snapshotsTaken))
		}
	}
}

// runGauges refreshes pool and exposure gauges periodically
func (n *PerpsNode) runGauges() {
	defer n.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.metrics.UpdatePool(
				wadFloat(n.exchange.Liquidity.TotalAssets()),
				wadFloat(n.exchange.Liquidity.TotalShares()))
			n.metrics.UpdateCollateralCustody(wadFloat(n.exchange.Collateral.TotalBalances()))
			for _, market := range n.exchange.Registry.Markets() {
				label := fmt.Sprintf("%d", market.ID)
				n.metrics.UpdateNetSkew(label, wadFloat(n.exchange.Ledger.NetSkew(market.ID)))
				if price, err := n.exchange.IndexPrice(market.ID); err == nil {
					n.metrics.UpdateIndexPrice(label, wadFloat(price))
				}
			}
		}
	}
}

func (n *PerpsNode) Shutdown() {
	n.logger.Info("Shutting down perps node...")

	n.cancel()
	n.wsServer.Stop()
	n.wg.Wait()

	// Final snapshot so no executed order or open position is lost.
	if err := n.store.Snapshot(n.exchange); err != nil {
		n.logger.Error("Final snapshot failed", "error", err)
	}

	if n.nc != nil {
		n.nc.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("Perps node shutdown complete",
		"eventsPublished", atomic.LoadUint64(&n.eventsPublished))
}

func main() {
	config := &Config{
		DataDir: defaultDataDir,
	}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "HTTP API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSUrl, "nats", nats.DefaultURL, "NATS server URL")

	flag.StringVar(&config.Authority, "authority", "authority", "Admin identity for market configuration")
	flag.StringVar(&config.FeeReceiver, "fee-receiver", "fee_receiver", "Protocol fee receiver identity")
	flag.StringVar(&config.Symbol, "symbol", "ETH", "Market symbol")
	flag.StringVar(&config.FeedID, "feed-id",
		"ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
		"Oracle price feed id (32-byte hex)")
	flag.Int64Var(&config.MaxSkewUsd, "max-skew", 10_000_000, "Max net exposure per market, whole USD")

	snapshotInterval := flag.Duration("snapshot-interval", 30*time.Second, "State snapshot interval")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableNATS, "enable-nats", false, "Publish engine events to NATS")

	flag.Parse()

	config.SnapshotInterval = *snapshotInterval
	config.LogLevel = *logLevel

	rootLogger := log.Root()
	rootLogger.Info("Starting perpsd",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewPerpsNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
