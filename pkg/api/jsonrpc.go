// Package api provides the JSON-RPC 2.0 surface of the perps engine
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/blaex/perps/pkg/perps"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	exchange *perps.Exchange
	logger   log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(exchange *perps.Exchange, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		exchange: exchange,
		logger:   logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Order methods
	case "perps_createOrder":
		return s.createOrder(params)
	case "perps_cancelOrder":
		return s.cancelOrder(params)
	case "perps_executeOrder":
		return s.executeOrder(params)
	case "perps_executeSltp":
		return s.executeSltp(params)
	case "perps_updateSltp":
		return s.updateSltp(params)
	case "perps_getOrder":
		return s.getOrder(params)
	case "perps_pendingOrders":
		return s.pendingOrders(params)

	// Market and price methods
	case "perps_getMarket":
		return s.getMarket(params)
	case "perps_listMarkets":
		return s.listMarkets(params)
	case "perps_indexPrice":
		return s.indexPrice(params)
	case "perps_submitPrice":
		return s.submitPrice(params)

	// Position methods
	case "perps_getPosition":
		return s.getPosition(params)
	case "perps_getOpenPositions":
		return s.getOpenPositions(params)

	// Vault methods
	case "perps_deposit":
		return s.deposit(params)
	case "perps_withdraw":
		return s.withdraw(params)
	case "perps_balanceOf":
		return s.balanceOf(params)
	case "perps_lpDeposit":
		return s.lpDeposit(params)
	case "perps_lpWithdraw":
		return s.lpWithdraw(params)
	case "perps_poolInfo":
		return s.poolInfo(params)

	// Admin methods
	case "perps_setProtocolFee":
		return s.setProtocolFee(params)
	case "perps_setKeeperFee":
		return s.setKeeperFee(params)

	// Info methods
	case "perps_getInfo":
		return s.getInfo(params)
	case "perps_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// usdAmount parses a decimal USD string ("2000.50") into 1e18 fixed point
func usdAmount(raw string) (*big.Int, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return d.Shift(18).BigInt(), nil
}

// usdString renders a 1e18 fixed-point amount as a decimal USD string
func usdString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -18).String()
}

type orderView struct {
	ID              uint64 `json:"id"`
	Trader          string `json:"trader"`
	Market          uint64 `json:"market"`
	CollateralToken string `json:"collateralToken"`
	SizeDelta       string `json:"sizeDeltaUsd"`
	CollateralDelta string `json:"collateralDeltaUsd"`
	TriggerPrice    string `json:"triggerPrice"`
	AcceptablePrice string `json:"acceptablePrice"`
	Kind            string `json:"kind"`
	IsLong          bool   `json:"isLong"`
	Status          string `json:"status"`
	ExecutedPrice   string `json:"executedPrice,omitempty"`
	Keeper          string `json:"keeper,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
}

func viewOrder(order *perps.Order) orderView {
	view := orderView{
		ID:              order.ID,
		Trader:          order.Trader,
		Market:          order.MarketID,
		CollateralToken: order.CollateralToken,
		SizeDelta:       usdString(order.SizeDeltaUsd),
		CollateralDelta: usdString(order.CollateralDeltaUsd),
		TriggerPrice:    usdString(order.TriggerPrice),
		AcceptablePrice: usdString(order.AcceptablePrice),
		Kind:            order.Kind.String(),
		IsLong:          order.IsLong,
		Status:          order.Status.String(),
		Keeper:          order.Keeper,
		CreatedAt:       order.CreatedAt.Unix(),
	}
	if order.Status.Terminal() && order.ExecutedPrice.Sign() > 0 {
		view.ExecutedPrice = usdString(order.ExecutedPrice)
	}
	return view
}

type positionView struct {
	Trader        string `json:"trader"`
	Market        uint64 `json:"market"`
	Size          string `json:"size"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	Collateral    string `json:"collateral"`
	StopLoss      string `json:"stopLoss,omitempty"`
	TakeProfit    string `json:"takeProfit,omitempty"`
}

func viewPosition(position *perps.Position) positionView {
	view := positionView{
		Trader:        position.Trader,
		Market:        position.MarketID,
		Size:          usdString(position.Size),
		AvgEntryPrice: usdString(position.AvgEntryPrice),
		Collateral:    usdString(position.Collateral),
	}
	if position.StopLoss.Sign() > 0 {
		view.StopLoss = usdString(position.StopLoss)
	}
	if position.TakeProfit.Sign() > 0 {
		view.TakeProfit = usdString(position.TakeProfit)
	}
	return view
}

type marketView struct {
	ID             uint64 `json:"id"`
	Symbol         string `json:"symbol"`
	PriceFeedID    string `json:"priceFeedId"`
	MaxSkew        string `json:"maxSkew"`
	ProtocolFeeBps int64  `json:"protocolFeeBps"`
	KeeperFee      string `json:"keeperFee"`
	SlippageBps    int64  `json:"slippageBps"`
}

func viewMarket(market *perps.Market) marketView {
	return marketView{
		ID:             market.ID,
		Symbol:         market.Symbol,
		PriceFeedID:    fmt.Sprintf("%x", market.PriceFeedID),
		MaxSkew:        usdString(market.MaxSkew),
		ProtocolFeeBps: market.ProtocolFeeBps,
		KeeperFee:      usdString(market.KeeperFee),
		SlippageBps:    market.SlippageBps,
	}
}

func (s *JSONRPCServer) createOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader          string `json:"trader"`
		Market          uint64 `json:"market"`
		CollateralToken string `json:"collateralToken"`
		SizeDelta       string `json:"sizeDeltaUsd"`
		CollateralDelta string `json:"collateralDeltaUsd"`
		TriggerPrice    string `json:"triggerPrice"`
		AcceptablePrice string `json:"acceptablePrice"`
		Kind            string `json:"kind"`
		IsLong          bool   `json:"isLong"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	kind, err := parseOrderKind(p.Kind)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	sizeDelta, err := usdAmount(p.SizeDelta)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid sizeDeltaUsd"}
	}
	collateralDelta, err := usdAmount(p.CollateralDelta)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid collateralDeltaUsd"}
	}
	trigger, err := usdAmount(p.TriggerPrice)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid triggerPrice"}
	}
	acceptable, err := usdAmount(p.AcceptablePrice)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid acceptablePrice"}
	}

	order, err := s.exchange.Orders.CreateOrder(p.Trader, perps.OrderParams{
		Market:             p.Market,
		CollateralToken:    p.CollateralToken,
		SizeDeltaUsd:       sizeDelta,
		CollateralDeltaUsd: collateralDelta,
		TriggerPrice:       trigger,
		AcceptablePrice:    acceptable,
		Kind:               kind,
		IsLong:             p.IsLong,
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	s.logger.Info("Order created", "id", order.ID, "trader", p.Trader, "kind", kind.String())
	return viewOrder(order), nil
}

func parseOrderKind(raw string) (perps.OrderKind, error) {
	switch raw {
	case "market_increase":
		return perps.MarketIncrease, nil
	case "limit_increase":
		return perps.LimitIncrease, nil
	case "market_decrease":
		return perps.MarketDecrease, nil
	case "limit_decrease":
		return perps.LimitDecrease, nil
	case "liquidation":
		return perps.Liquidation, nil
	}
	return 0, fmt.Errorf("unknown order kind %q", raw)
}

func (s *JSONRPCServer) cancelOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader  string `json:"trader"`
		OrderID uint64 `json:"orderId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.exchange.Orders.CancelOrder(p.Trader, p.OrderID); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"orderId": p.OrderID,
		"status":  "cancelled",
	}, nil
}

func (s *JSONRPCServer) executeOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Keeper  string `json:"keeper"`
		OrderID uint64 `json:"orderId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	order, err := s.exchange.Orders.ExecuteOrder(p.Keeper, p.OrderID)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	s.logger.Info("Order executed", "id", order.ID, "status", order.Status.String(), "keeper", p.Keeper)
	return viewOrder(order), nil
}

// executeSltp forwards a fresh oracle payload and executes the order only
// if the position's stored stop-loss or take-profit threshold is crossed
func (s *JSONRPCServer) executeSltp(params json.RawMessage) (interface{}, error) {
	var p struct {
		Keeper      string `json:"keeper"`
		OrderID     uint64 `json:"orderId"`
		FeedID      string `json:"feedId"`
		Price       string `json:"price"`
		PublishTime int64  `json:"publishTime"`
		Signature   []byte `json:"signature"`
		Fee         string `json:"fee"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	price, err := usdAmount(p.Price)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid price"}
	}
	fee, ok := new(big.Int).SetString(p.Fee, 10)
	if !ok {
		fee = big.NewInt(0)
	}
	var feedID [32]byte
	var feedBytes []byte
	if _, err := fmt.Sscanf(p.FeedID, "%64x", &feedBytes); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid feedId"}
	}
	copy(feedID[:], feedBytes)

	order, err := s.exchange.Orders.ExecuteSltp(p.Keeper, p.OrderID, perps.PriceUpdate{
		FeedID:      feedID,
		Price:       price,
		Conf:        big.NewInt(0),
		PublishTime: p.PublishTime,
		Signature:   p.Signature,
	}, fee)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	s.logger.Info("SLTP order executed", "id", order.ID, "status", order.Status.String(), "keeper", p.Keeper)
	return viewOrder(order), nil
}

func (s *JSONRPCServer) updateSltp(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader     string `json:"trader"`
		OrderID    uint64 `json:"orderId"`
		StopLoss   string `json:"stopLoss"`
		TakeProfit string `json:"takeProfit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	stopLoss, err := usdAmount(p.StopLoss)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid stopLoss"}
	}
	takeProfit, err := usdAmount(p.TakeProfit)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid takeProfit"}
	}

	if err := s.exchange.Orders.UpdateSltp(p.Trader, p.OrderID, stopLoss, takeProfit); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "updated"}, nil
}

func (s *JSONRPCServer) getOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		OrderID uint64 `json:"orderId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	order, err := s.exchange.GetOrder(p.OrderID)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return viewOrder(order), nil
}

func (s *JSONRPCServer) pendingOrders(params json.RawMessage) (interface{}, error) {
	orders := s.exchange.Orders.PendingOrders()
	out := make([]orderView, 0, len(orders))
	for _, order := range orders {
		out = append(out, viewOrder(order))
	}
	return out, nil
}

func (s *JSONRPCServer) getMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market uint64 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	market, err := s.exchange.GetMarket(p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return viewMarket(market), nil
}

func (s *JSONRPCServer) listMarkets(params json.RawMessage) (interface{}, error) {
	markets := s.exchange.Registry.Markets()
	out := make([]marketView, 0, len(markets))
	for _, market := range markets {
		out = append(out, viewMarket(market))
	}
	return out, nil
}

func (s *JSONRPCServer) indexPrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market uint64 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	price, err := s.exchange.IndexPrice(p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"market": p.Market,
		"price":  usdString(price),
	}, nil
}

func (s *JSONRPCServer) submitPrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market      uint64 `json:"market"`
		FeedID      string `json:"feedId"`
		Price       string `json:"price"`
		PublishTime int64  `json:"publishTime"`
		Signature   []byte `json:"signature"`
		Fee         string `json:"fee"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	price, err := usdAmount(p.Price)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid price"}
	}
	fee, ok := new(big.Int).SetString(p.Fee, 10)
	if !ok {
		fee = big.NewInt(0)
	}
	var feedID [32]byte
	var feedBytes []byte
	if _, err := fmt.Sscanf(p.FeedID, "%64x", &feedBytes); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid feedId"}
	}
	copy(feedID[:], feedBytes)

	point, err := s.exchange.SubmitPrice(p.Market, perps.PriceUpdate{
		FeedID:      feedID,
		Price:       price,
		Conf:        big.NewInt(0),
		PublishTime: p.PublishTime,
		Signature:   p.Signature,
	}, fee)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"market": p.Market,
		"price":  usdString(point.Price),
	}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader string `json:"trader"`
		Market uint64 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	position, err := s.exchange.GetPosition(p.Trader, p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return viewPosition(position), nil
}

func (s *JSONRPCServer) getOpenPositions(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader string `json:"trader"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	positions := s.exchange.GetOpenPositions(p.Trader)
	out := make([]positionView, 0, len(positions))
	for _, position := range positions {
		out = append(out, viewPosition(position))
	}
	return out, nil
}

func (s *JSONRPCServer) deposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader string `json:"trader"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := usdAmount(p.Amount)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid amount"}
	}
	if err := s.exchange.Collateral.Deposit(p.Trader, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"trader":  p.Trader,
		"balance": usdString(s.exchange.Collateral.BalanceOf(p.Trader)),
	}, nil
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader string `json:"trader"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := usdAmount(p.Amount)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid amount"}
	}
	if err := s.exchange.Collateral.Withdraw(p.Trader, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"trader":  p.Trader,
		"balance": usdString(s.exchange.Collateral.BalanceOf(p.Trader)),
	}, nil
}

func (s *JSONRPCServer) balanceOf(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader string `json:"trader"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	return map[string]interface{}{
		"trader":  p.Trader,
		"balance": usdString(s.exchange.Collateral.BalanceOf(p.Trader)),
		"free":    usdString(s.exchange.Collateral.FreeBalanceOf(p.Trader)),
	}, nil
}

func (s *JSONRPCServer) lpDeposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Provider string `json:"provider"`
		Amount   string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := usdAmount(p.Amount)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid amount"}
	}
	shares, err := s.exchange.Liquidity.Deposit(p.Provider, amount)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"provider": p.Provider,
		"shares":   usdString(shares),
	}, nil
}

func (s *JSONRPCServer) lpWithdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Provider string `json:"provider"`
		Shares   string `json:"shares"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	shares, err := usdAmount(p.Shares)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid shares"}
	}
	amount, err := s.exchange.Liquidity.Withdraw(p.Provider, shares)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"provider": p.Provider,
		"amount":   usdString(amount),
	}, nil
}

func (s *JSONRPCServer) poolInfo(params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"totalAssets":        usdString(s.exchange.Liquidity.TotalAssets()),
		"totalShares":        usdString(s.exchange.Liquidity.TotalShares()),
		"sharePrice":         usdString(s.exchange.Liquidity.SharePrice()),
		"worstCaseLiability": usdString(s.exchange.Ledger.WorstCaseLiability()),
	}, nil
}

func (s *JSONRPCServer) setProtocolFee(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
		Bps    int64  `json:"bps"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.exchange.Registry.SetProtocolFee(p.Caller, p.Bps); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "updated"}, nil
}

func (s *JSONRPCServer) setKeeperFee(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
		Fee    string `json:"fee"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	fee, err := usdAmount(p.Fee)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid fee"}
	}
	if err := s.exchange.Registry.SetKeeperFee(p.Caller, fee); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "updated"}, nil
}

func (s *JSONRPCServer) getInfo(params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
		"markets":   len(s.exchange.Registry.Markets()),
		"pending":   len(s.exchange.Orders.PendingOrders()),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, exchange *perps.Exchange, logger log.Logger) error {
	server := NewJSONRPCServer(exchange, logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "healthy"})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port, "endpoint", "/rpc")
	return httpServer.ListenAndServe()
}
