package perps

import (
	"math/big"
	"time"
)

// Config configures an Exchange
type Config struct {
	Authority       string
	FeeReceiver     string
	OracleFreshness time.Duration
	OracleUpdateFee *big.Int
	Verifier        UpdateVerifier
	EventBufferSize int
}

// DefaultConfig returns the config used by the daemon unless overridden
func DefaultConfig() Config {
	return Config{
		Authority:       "authority",
		FeeReceiver:     "fee_receiver",
		OracleFreshness: 60 * time.Second,
		OracleUpdateFee: big.NewInt(1),
		Verifier:        StaticVerifier{},
		EventBufferSize: 10000,
	}
}

// Exchange is the venue facade: it wires the market registry, oracle
// adapter, position ledger, both vaults, the order state machine and the
// settlement engine, and fans engine events out on a buffered channel.
type Exchange struct {
	Registry   *MarketRegistry
	Oracle     *PriceOracleAdapter
	Ledger     *PositionLedger
	Collateral *CollateralVault
	Liquidity  *LiquidityVault
	Settlement *SettlementEngine
	Orders     *OrderStateMachine

	Events chan Event
}

// NewExchange builds a fully wired venue
func NewExchange(config Config) *Exchange {
	if config.Verifier == nil {
		config.Verifier = StaticVerifier{}
	}
	if config.EventBufferSize == 0 {
		config.EventBufferSize = 10000
	}

	e := &Exchange{
		Events: make(chan Event, config.EventBufferSize),
	}

	e.Registry = NewMarketRegistry(config.Authority)
	e.Oracle = NewPriceOracleAdapter(config.Verifier, config.OracleFreshness, config.OracleUpdateFee)
	e.Ledger = NewPositionLedger()
	e.Collateral = NewCollateralVault(config.Authority, e.Ledger)
	e.Liquidity = NewLiquidityVault(config.Authority, e.Ledger)
	e.Settlement = NewSettlementEngine(e.Registry, e.Ledger, e.Collateral, e.Liquidity, config.FeeReceiver)
	e.Orders = NewOrderStateMachine(e.Registry, e.Oracle, e.Settlement, e.Ledger, e.publish)

	return e
}

// publish emits an event, dropping when the channel is full
func (e *Exchange) publish(event Event) {
	select {
	case e.Events <- event:
	default:
	}
}

// IndexPrice returns the current index price for a market
func (e *Exchange) IndexPrice(marketID uint64) (*big.Int, error) {
	market, err := e.Registry.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	return e.Oracle.IndexPrice(market.PriceFeedID)
}

// SubmitPrice pushes a price update for a market and publishes the
// accepted point
func (e *Exchange) SubmitPrice(marketID uint64, update PriceUpdate, fee *big.Int) (*PricePoint, error) {
	market, err := e.Registry.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	if update.FeedID != market.PriceFeedID {
		return nil, ErrInvalidPriceUpdate
	}
	point, err := e.Oracle.SubmitAndGetPrice(update, fee)
	if err != nil {
		return nil, err
	}
	e.publish(Event{Type: EventPriceAccepted, Timestamp: time.Now(), MarketID: marketID, Price: point.Price})
	return point, nil
}

// GetMarket is a side-effect-free market read
func (e *Exchange) GetMarket(id uint64) (*Market, error) {
	return e.Registry.GetMarket(id)
}

// GetOrder is a side-effect-free order read
func (e *Exchange) GetOrder(id uint64) (*Order, error) {
	return e.Orders.GetOrder(id)
}

// GetPosition is a side-effect-free position read
func (e *Exchange) GetPosition(trader string, marketID uint64) (*Position, error) {
	return e.Ledger.GetPosition(trader, marketID)
}

// GetOpenPositions returns all open positions for a trader
func (e *Exchange) GetOpenPositions(trader string) []*Position {
	return e.Ledger.OpenPositions(trader)
}

// Close releases the event channel
func (e *Exchange) Close() {
	close(e.Events)
}
