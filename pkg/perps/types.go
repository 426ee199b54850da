package perps

import (
	"math/big"
	"time"
)

// Wad is the fixed-point scale used for all USD amounts and prices (1e18).
var Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// OrderKind represents the kind of order
type OrderKind int

const (
	MarketIncrease OrderKind = iota
	LimitIncrease
	MarketDecrease
	LimitDecrease
	Liquidation
)

func (k OrderKind) String() string {
	switch k {
	case MarketIncrease:
		return "market_increase"
	case LimitIncrease:
		return "limit_increase"
	case MarketDecrease:
		return "market_decrease"
	case LimitDecrease:
		return "limit_decrease"
	case Liquidation:
		return "liquidation"
	}
	return "unknown"
}

// IsIncrease reports whether the order grows position exposure
func (k OrderKind) IsIncrease() bool {
	return k == MarketIncrease || k == LimitIncrease
}

// OrderStatus represents the lifecycle state of an order.
// Pending is the only non-terminal state.
type OrderStatus int

const (
	OrderPending OrderStatus = iota
	OrderExecuted
	OrderCancelled
	OrderLiquidated
)

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderExecuted:
		return "executed"
	case OrderCancelled:
		return "cancelled"
	case OrderLiquidated:
		return "liquidated"
	}
	return "unknown"
}

// Terminal reports whether the status is final
func (s OrderStatus) Terminal() bool {
	return s != OrderPending
}

// Market holds per-instrument configuration
type Market struct {
	ID              uint64
	Symbol          string
	PriceFeedID     [32]byte
	MaxSkew         *big.Int // max |net long - net short| in USD, 1e18
	ProtocolFeeBps  int64    // taken on sizeDeltaUsd
	KeeperFee       *big.Int // flat, 1e18 USD
	SlippageBps     int64    // acceptable-price tolerance around trigger
	CreatedAt       time.Time
}

// MarketParams is the input for market creation
type MarketParams struct {
	ID          uint64
	Symbol      string
	PriceFeedID [32]byte
	MaxSkew     *big.Int
}

// OrderParams is the input for order creation
type OrderParams struct {
	Market             uint64
	CollateralToken    string
	SizeDeltaUsd       *big.Int
	CollateralDeltaUsd *big.Int
	TriggerPrice       *big.Int
	AcceptablePrice    *big.Int
	Kind               OrderKind
	IsLong             bool
}

// Order is a trader request queued for keeper execution.
// Orders are retained after reaching a terminal state for audit.
type Order struct {
	ID                 uint64
	Trader             string
	MarketID           uint64
	CollateralToken    string
	SizeDeltaUsd       *big.Int
	CollateralDeltaUsd *big.Int
	TriggerPrice       *big.Int
	AcceptablePrice    *big.Int
	Kind               OrderKind
	IsLong             bool
	Status             OrderStatus
	CreatedAt          time.Time
	ExecutedAt         time.Time
	ExecutedPrice      *big.Int // index price at execution, zero until terminal
	Keeper             string   // executing keeper, empty until terminal
}

// Position is the open exposure of one trader in one market.
// Size is signed notional USD at entry: positive long, negative short.
type Position struct {
	Trader        string
	MarketID      uint64
	Size          *big.Int
	AvgEntryPrice *big.Int
	Collateral    *big.Int
	StopLoss      *big.Int // zero means unset
	TakeProfit    *big.Int // zero means unset
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// IsLong reports the position direction
func (p *Position) IsLong() bool {
	return p.Size.Sign() > 0
}

// Notional returns abs(Size)
func (p *Position) Notional() *big.Int {
	return new(big.Int).Abs(p.Size)
}

// Clone returns a deep copy, used for staging settlements
func (p *Position) Clone() *Position {
	cp := *p
	cp.Size = new(big.Int).Set(p.Size)
	cp.AvgEntryPrice = new(big.Int).Set(p.AvgEntryPrice)
	cp.Collateral = new(big.Int).Set(p.Collateral)
	cp.StopLoss = new(big.Int).Set(p.StopLoss)
	cp.TakeProfit = new(big.Int).Set(p.TakeProfit)
	return &cp
}

// EventType identifies engine events
type EventType string

const (
	EventOrderCreated   EventType = "order_created"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderExecuted  EventType = "order_executed"
	EventLiquidation    EventType = "liquidation"
	EventPriceAccepted  EventType = "price_accepted"
)

// Event is emitted on the engine event channel
type Event struct {
	Type      EventType
	Timestamp time.Time
	Order     *Order
	MarketID  uint64
	Price     *big.Int
}

// wadMul multiplies two 1e18 fixed-point numbers, rounding down
func wadMul(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, Wad)
}

// wadDiv divides two 1e18 fixed-point numbers, rounding toward zero
func wadDiv(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, Wad)
	return out.Quo(out, b)
}

// bpsOf returns amount * bps / 10000, rounding down
func bpsOf(amount *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Quo(out, big.NewInt(10000))
}
