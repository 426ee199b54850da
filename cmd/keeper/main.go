// Command keeper polls the perps daemon for pending orders and drives
// execution. It is intentionally dumb: it attempts every pending order on
// every tick and lets the engine decide which triggers have been met.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/log"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type pendingOrder struct {
	ID     uint64 `json:"id"`
	Trader string `json:"trader"`
	Market uint64 `json:"market"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

type client struct {
	url    string
	http   *http.Client
	nextID int
}

func newClient(url string) *client {
	return &client{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) call(method string, params interface{}, result interface{}) error {
	c.nextID++
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID,
	})
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result != nil {
		return json.Unmarshal(decoded.Result, result)
	}
	return nil
}

func (c *client) pendingOrders() ([]pendingOrder, error) {
	var orders []pendingOrder
	if err := c.call("perps_pendingOrders", map[string]interface{}{}, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *client) executeOrder(keeper string, orderID uint64) error {
	return c.call("perps_executeOrder", map[string]interface{}{
		"keeper":  keeper,
		"orderId": orderID,
	}, nil)
}

// executeSltp re-pushes the current index price as a fresh oracle payload
// and asks the engine to close against the stored stop-loss/take-profit
// thresholds. In production the payload comes from the oracle network; the
// daemon's verifier is the gate either way.
func (c *client) executeSltp(keeper string, order pendingOrder, oracleFee string) error {
	var market struct {
		PriceFeedID string `json:"priceFeedId"`
	}
	if err := c.call("perps_getMarket", map[string]interface{}{"market": order.Market}, &market); err != nil {
		return err
	}

	var index struct {
		Price string `json:"price"`
	}
	if err := c.call("perps_indexPrice", map[string]interface{}{"market": order.Market}, &index); err != nil {
		return err
	}

	return c.call("perps_executeSltp", map[string]interface{}{
		"keeper":      keeper,
		"orderId":     order.ID,
		"feedId":      market.PriceFeedID,
		"price":       index.Price,
		"publishTime": time.Now().Unix(),
		"signature":   []byte(keeper),
		"fee":         oracleFee,
	}, nil)
}

func isDecrease(kind string) bool {
	return kind == "market_decrease" || kind == "limit_decrease"
}

func main() {
	rpcURL := flag.String("rpc", "http://localhost:8080/rpc", "Daemon JSON-RPC endpoint")
	keeperID := flag.String("keeper", "keeper1", "Keeper identity credited with execution fees")
	interval := flag.Duration("interval", 2*time.Second, "Polling interval")
	oracleFee := flag.String("oracle-fee", "1", "Oracle update fee forwarded with SLTP executions, base units")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, _ := log.ToLevel(*logLevel)
	logger := log.NewTestLogger(level).New("module", "keeper")

	logger.Info("Keeper starting", "rpc", *rpcURL, "keeper", *keeperID, "interval", *interval)

	rpc := newClient(*rpcURL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var executed, attempts uint64

	for {
		select {
		case sig := <-sigChan:
			logger.Info("Keeper stopping", "signal", sig, "executed", executed, "attempts", attempts)
			return
		case <-ticker.C:
			orders, err := rpc.pendingOrders()
			if err != nil {
				logger.Warn("Failed to fetch pending orders", "error", err)
				continue
			}

			for _, order := range orders {
				attempts++
				if err := rpc.executeOrder(*keeperID, order.ID); err != nil {
					var rpcErr *rpcError
					if !errors.As(err, &rpcErr) {
						logger.Warn("Execution call failed", "id", order.ID, "error", err)
						continue
					}

					// A decrease whose own trigger has not crossed may still
					// close on the position's stop-loss or take-profit.
					if isDecrease(order.Kind) {
						if err := rpc.executeSltp(*keeperID, order, *oracleFee); err == nil {
							executed++
							logger.Info("SLTP order executed",
								"id", order.ID, "trader", order.Trader,
								"market", order.Market, "kind", order.Kind)
							continue
						}
					}

					// Trigger or price-protection misses are routine; the
					// order stays pending for the next tick.
					logger.Debug("Order not executable",
						"id", order.ID, "kind", order.Kind, "reason", rpcErr.Message)
					continue
				}
				executed++
				logger.Info("Order executed",
					"id", order.ID, "trader", order.Trader,
					"market", order.Market, "kind", order.Kind)
			}
		}
	}
}
