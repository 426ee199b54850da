package perps

import (
	"fmt"
	"math/big"
	"sync"
)

// LiquidityVault pools underwriting capital from liquidity providers and
// takes the other side of every settlement. Shares-based accounting in 1e18
// fixed point; minting and payout both round down so rounding never leaks
// value out of the pool.
type LiquidityVault struct {
	totalAssets *big.Int
	totalShares *big.Int
	shares      map[string]*big.Int

	ledger *PositionLedger

	authority     string
	perpsVault    string // wired collateral vault identity
	yieldReceiver string
	yieldAccrued  *big.Int

	mu sync.RWMutex
}

// NewLiquidityVault creates an empty pool reading outstanding liability
// from the ledger
func NewLiquidityVault(authority string, ledger *PositionLedger) *LiquidityVault {
	return &LiquidityVault{
		totalAssets:  big.NewInt(0),
		totalShares:  big.NewInt(0),
		shares:       make(map[string]*big.Int),
		ledger:       ledger,
		authority:    authority,
		yieldAccrued: big.NewInt(0),
	}
}

// SetPerpsVault wires the collateral vault. Re-callable by the authority,
// e.g. for migration.
func (v *LiquidityVault) SetPerpsVault(caller, vault string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.authority {
		return ErrNotAuthorized
	}
	v.perpsVault = vault
	return nil
}

// SetYieldReceiver configures where claimed yield is forwarded
func (v *LiquidityVault) SetYieldReceiver(caller, receiver string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.authority {
		return ErrNotAuthorized
	}
	v.yieldReceiver = receiver
	return nil
}

// Deposit mints shares at the current share price, rounding down
func (v *LiquidityVault) Deposit(provider string, amount *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit must be positive", ErrInvalidOrderParams)
	}

	var minted *big.Int
	if v.totalShares.Sign() == 0 {
		minted = new(big.Int).Set(amount)
	} else {
		// Shares cannot be priced off a depleted pool.
		if v.totalAssets.Sign() <= 0 {
			return nil, fmt.Errorf("%w: pool assets %s", ErrPoolInsolvent, v.totalAssets.String())
		}
		// shares = amount * totalShares / totalAssets
		minted = new(big.Int).Mul(amount, v.totalShares)
		minted.Quo(minted, v.totalAssets)
	}
	if minted.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit too small to mint shares", ErrInvalidOrderParams)
	}

	v.totalAssets.Add(v.totalAssets, amount)
	v.totalShares.Add(v.totalShares, minted)
	v.providerShares(provider).Add(v.providerShares(provider), minted)

	return new(big.Int).Set(minted), nil
}

// Withdraw burns shares and pays out at the current share price, rounding
// down. Fails when the remaining assets would fall below the worst-case
// liability of the open positions the pool is underwriting.
func (v *LiquidityVault) Withdraw(provider string, burn *big.Int) (*big.Int, error) {
	liability := v.ledger.WorstCaseLiability()

	v.mu.Lock()
	defer v.mu.Unlock()

	if burn == nil || burn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: shares must be positive", ErrInvalidOrderParams)
	}
	held := v.providerShares(provider)
	if held.Cmp(burn) < 0 {
		return nil, fmt.Errorf("%w: held %s shares, requested %s", ErrInsufficientCollateral, held.String(), burn.String())
	}
	if v.totalAssets.Sign() <= 0 {
		return nil, fmt.Errorf("%w: pool assets %s", ErrPoolInsolvent, v.totalAssets.String())
	}

	// amount = shares * totalAssets / totalShares
	amount := new(big.Int).Mul(burn, v.totalAssets)
	amount.Quo(amount, v.totalShares)

	remaining := new(big.Int).Sub(v.totalAssets, amount)
	if remaining.Cmp(liability) < 0 {
		return nil, fmt.Errorf("%w: remaining %s, liability %s",
			ErrWithdrawalWouldBreachSolvency, remaining.String(), liability.String())
	}

	held.Sub(held, burn)
	if held.Sign() == 0 {
		delete(v.shares, provider)
	}
	v.totalShares.Sub(v.totalShares, burn)
	v.totalAssets.Sub(v.totalAssets, amount)

	return amount, nil
}

// SharesOf returns a provider's share balance
func (v *LiquidityVault) SharesOf(provider string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if held, exists := v.shares[provider]; exists {
		return new(big.Int).Set(held)
	}
	return big.NewInt(0)
}

// TotalAssets returns pool assets
func (v *LiquidityVault) TotalAssets() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.totalAssets)
}

// TotalShares returns outstanding shares
func (v *LiquidityVault) TotalShares() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.totalShares)
}

// SharePrice returns assets per share in 1e18 fixed point
func (v *LiquidityVault) SharePrice() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.totalShares.Sign() == 0 {
		return new(big.Int).Set(Wad)
	}
	return wadDiv(v.totalAssets, v.totalShares)
}

// settlePnl mirrors a trader's realized pnl with the opposite sign, since
// the pool is the counterparty. Settlement-path only.
func (v *LiquidityVault) settlePnl(traderPnl *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalAssets.Sub(v.totalAssets, traderPnl)
}

// creditLiquidation adds a liquidated position's collateral remainder to
// pool assets. Settlement-path only.
func (v *LiquidityVault) creditLiquidation(amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalAssets.Add(v.totalAssets, amount)
}

// AccrueYield records externally accrued passive yield. Yield is synthetic
// income, not a change in the asset/share ratio, so LP shares are never
// diluted by claiming it.
func (v *LiquidityVault) AccrueYield(amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.yieldAccrued.Add(v.yieldAccrued, amount)
}

// ClaimAllYield forwards all accrued yield to the configured receiver and
// returns the claimed amount. Share price is unaffected.
func (v *LiquidityVault) ClaimAllYield(caller string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.authority {
		return nil, ErrNotAuthorized
	}
	if v.yieldReceiver == "" {
		return nil, fmt.Errorf("%w: yield receiver not set", ErrVaultNotWired)
	}
	claimed := new(big.Int).Set(v.yieldAccrued)
	v.yieldAccrued.SetInt64(0)
	return claimed, nil
}

// providerShares returns the mutable share entry; callers hold v.mu
func (v *LiquidityVault) providerShares(provider string) *big.Int {
	held, exists := v.shares[provider]
	if !exists {
		held = big.NewInt(0)
		v.shares[provider] = held
	}
	return held
}
