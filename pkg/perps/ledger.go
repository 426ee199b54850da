package perps

import (
	"fmt"
	"math/big"
	"sync"
)

const defaultMaintenanceMarginBps = 100 // 1% of notional

// PositionLedger is the single source of truth for open exposure. One
// position per trader per market; a position whose size returns to zero is
// removed from the open set. The liquidity vault reads (never mutates) the
// ledger for its skew and solvency checks, and the collateral vault for its
// free-balance check.
type PositionLedger struct {
	positions map[string]map[uint64]*Position // trader -> market -> position

	maintenanceMarginBps int64

	mu sync.RWMutex
}

// NewPositionLedger creates an empty ledger
func NewPositionLedger() *PositionLedger {
	return &PositionLedger{
		positions:            make(map[string]map[uint64]*Position),
		maintenanceMarginBps: defaultMaintenanceMarginBps,
	}
}

// GetPosition returns the open position for trader+market
func (l *PositionLedger) GetPosition(trader string, marketID uint64) (*Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byMarket, exists := l.positions[trader]
	if !exists {
		return nil, fmt.Errorf("%w: %s market %d", ErrPositionNotFound, trader, marketID)
	}
	position, exists := byMarket[marketID]
	if !exists {
		return nil, fmt.Errorf("%w: %s market %d", ErrPositionNotFound, trader, marketID)
	}
	return position, nil
}

// OpenPositions returns all open positions for a trader
func (l *PositionLedger) OpenPositions(trader string) []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Position, 0, len(l.positions[trader]))
	for _, p := range l.positions[trader] {
		out = append(out, p)
	}
	return out
}

// commit stores a staged position, removing it from the open set when its
// size has returned to zero
func (l *PositionLedger) commit(position *Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if position.Size.Sign() == 0 {
		if byMarket, exists := l.positions[position.Trader]; exists {
			delete(byMarket, position.MarketID)
			if len(byMarket) == 0 {
				delete(l.positions, position.Trader)
			}
		}
		return
	}

	byMarket, exists := l.positions[position.Trader]
	if !exists {
		byMarket = make(map[uint64]*Position)
		l.positions[position.Trader] = byMarket
	}
	byMarket[position.MarketID] = position
}

// traders returns every trader with open positions
func (l *PositionLedger) traders() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.positions))
	for trader := range l.positions {
		out = append(out, trader)
	}
	return out
}

// NetSkew returns the net directional exposure (long minus short, signed
// USD notional) the pool is carrying for a market
func (l *PositionLedger) NetSkew(marketID uint64) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	skew := big.NewInt(0)
	for _, byMarket := range l.positions {
		if p, exists := byMarket[marketID]; exists {
			skew.Add(skew, p.Size)
		}
	}
	return skew
}

// LockedCollateral returns the collateral margin-locked in the trader's
// open positions
func (l *PositionLedger) LockedCollateral(trader string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	locked := big.NewInt(0)
	for _, p := range l.positions[trader] {
		locked.Add(locked, p.Collateral)
	}
	return locked
}

// WorstCaseLiability returns the pool payout if every open position won in
// full. Settlement caps realized profit at the closed notional, so each
// position's maximum claim on the pool is exactly its notional: a short
// reaches it on a move to zero, a long on a doubling or beyond. The
// liquidity vault may not be drained below this.
func (l *PositionLedger) WorstCaseLiability() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := big.NewInt(0)
	for _, byMarket := range l.positions {
		for _, p := range byMarket {
			total.Add(total, p.Notional())
		}
	}
	return total
}

// UnrealizedPnl values a position at the given index price:
// pnl = direction * notional * (price - entry) / entry
func (l *PositionLedger) UnrealizedPnl(position *Position, price *big.Int) *big.Int {
	return pnlOn(position.Size, position.AvgEntryPrice, price, position.Notional())
}

// Equity is collateral plus unrealized pnl at the given price
func (l *PositionLedger) Equity(position *Position, price *big.Int) *big.Int {
	equity := new(big.Int).Set(position.Collateral)
	return equity.Add(equity, l.UnrealizedPnl(position, price))
}

// IsLiquidatable reports whether equity has fallen to or below the
// maintenance margin for the position's notional
func (l *PositionLedger) IsLiquidatable(position *Position, price *big.Int) bool {
	maintenance := bpsOf(position.Notional(), l.maintenanceMarginBps)
	return l.Equity(position, price).Cmp(maintenance) <= 0
}

// pnlOn computes direction-signed pnl for closedNotional of a position with
// the given signed size and entry price
func pnlOn(size, entry, price, closedNotional *big.Int) *big.Int {
	if entry.Sign() == 0 {
		return big.NewInt(0)
	}
	diff := new(big.Int).Sub(price, entry)
	pnl := new(big.Int).Mul(closedNotional, diff)
	pnl.Quo(pnl, entry)
	if size.Sign() < 0 {
		pnl.Neg(pnl)
	}
	return pnl
}
