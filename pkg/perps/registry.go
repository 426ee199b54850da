package perps

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	defaultSlippageBps    = 100 // 1%
	defaultProtocolFeeBps = 5
)

// MarketRegistry holds per-instrument configuration. Market ids are
// immutable once registered and markets are never deleted; only the fee
// fields may change, and only through the configuring authority.
type MarketRegistry struct {
	markets   map[uint64]*Market
	authority string
	mu        sync.RWMutex
}

// NewMarketRegistry creates a registry gated on the given authority
func NewMarketRegistry(authority string) *MarketRegistry {
	return &MarketRegistry{
		markets:   make(map[uint64]*Market),
		authority: authority,
	}
}

// CreateMarket registers a new market
func (r *MarketRegistry) CreateMarket(caller string, params MarketParams) (*Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.authority {
		return nil, ErrNotAuthorized
	}
	if _, exists := r.markets[params.ID]; exists {
		return nil, fmt.Errorf("%w: id %d", ErrMarketExists, params.ID)
	}
	if params.MaxSkew == nil || params.MaxSkew.Sign() < 0 {
		return nil, fmt.Errorf("%w: max skew must be non-negative", ErrInvalidOrderParams)
	}

	market := &Market{
		ID:             params.ID,
		Symbol:         params.Symbol,
		PriceFeedID:    params.PriceFeedID,
		MaxSkew:        new(big.Int).Set(params.MaxSkew),
		ProtocolFeeBps: defaultProtocolFeeBps,
		KeeperFee:      new(big.Int).Set(Wad), // 1 USD flat
		SlippageBps:    defaultSlippageBps,
		CreatedAt:      time.Now(),
	}
	r.markets[params.ID] = market
	return market, nil
}

// GetMarket returns the market config for an id
func (r *MarketRegistry) GetMarket(id uint64) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	market, exists := r.markets[id]
	if !exists {
		return nil, fmt.Errorf("%w: id %d", ErrMarketNotFound, id)
	}
	return market, nil
}

// Markets returns all registered markets
func (r *MarketRegistry) Markets() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}

// SetProtocolFee updates the protocol fee for every market
func (r *MarketRegistry) SetProtocolFee(caller string, bps int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.authority {
		return ErrNotAuthorized
	}
	if bps < 0 || bps > 10000 {
		return fmt.Errorf("%w: fee bps out of range", ErrInvalidOrderParams)
	}
	for _, m := range r.markets {
		m.ProtocolFeeBps = bps
	}
	return nil
}

// SetKeeperFee updates the flat keeper fee for every market
func (r *MarketRegistry) SetKeeperFee(caller string, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.authority {
		return ErrNotAuthorized
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: keeper fee must be non-negative", ErrInvalidOrderParams)
	}
	for _, m := range r.markets {
		m.KeeperFee = new(big.Int).Set(amount)
	}
	return nil
}

// SetSlippageBps updates the acceptable-price tolerance for one market
func (r *MarketRegistry) SetSlippageBps(caller string, marketID uint64, bps int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.authority {
		return ErrNotAuthorized
	}
	market, exists := r.markets[marketID]
	if !exists {
		return fmt.Errorf("%w: id %d", ErrMarketNotFound, marketID)
	}
	if bps < 0 || bps > 10000 {
		return fmt.Errorf("%w: slippage bps out of range", ErrInvalidOrderParams)
	}
	market.SlippageBps = bps
	return nil
}
