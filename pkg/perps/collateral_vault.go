package perps

import (
	"fmt"
	"math/big"
	"sync"
)

// CollateralVault custodies trader margin (the "PerpsVault" of the two-vault
// design). Balances include margin-locked collateral; the vault itself has
// no notion of "locked", so every withdrawal consults the position ledger
// for the portion a position claims.
type CollateralVault struct {
	balances map[string]*big.Int
	fees     map[string]*big.Int // receiver -> accrued, claimable

	ledger *PositionLedger

	authority     string
	perpsMarket   string // wired settlement engine identity
	yieldReceiver string
	yieldAccrued  *big.Int

	mu sync.RWMutex
}

// NewCollateralVault creates a vault reading locked margin from the ledger
func NewCollateralVault(authority string, ledger *PositionLedger) *CollateralVault {
	return &CollateralVault{
		balances:     make(map[string]*big.Int),
		fees:         make(map[string]*big.Int),
		ledger:       ledger,
		authority:    authority,
		yieldAccrued: big.NewInt(0),
	}
}

// SetPerpsMarket wires the settlement engine allowed to move balances.
// Re-callable by the authority, e.g. for migration.
func (v *CollateralVault) SetPerpsMarket(caller, market string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.authority {
		return ErrNotAuthorized
	}
	v.perpsMarket = market
	return nil
}

// SetYieldReceiver configures where claimed yield is forwarded
func (v *CollateralVault) SetYieldReceiver(caller, receiver string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.authority {
		return ErrNotAuthorized
	}
	v.yieldReceiver = receiver
	return nil
}

// BalanceOf returns the trader's total custody, locked margin included
func (v *CollateralVault) BalanceOf(trader string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.balance(trader))
}

// FreeBalanceOf returns custody minus ledger-locked margin
func (v *CollateralVault) FreeBalanceOf(trader string) *big.Int {
	locked := v.ledger.LockedCollateral(trader)

	v.mu.RLock()
	defer v.mu.RUnlock()

	free := new(big.Int).Sub(v.balance(trader), locked)
	if free.Sign() < 0 {
		free.SetInt64(0)
	}
	return free
}

// Deposit credits trader custody. Token transfer-in happens upstream; the
// vault only keeps the book.
func (v *CollateralVault) Deposit(trader string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive", ErrInvalidOrderParams)
	}
	v.balance(trader).Add(v.balance(trader), amount)
	return nil
}

// Withdraw debits trader custody, refusing amounts above the free balance
func (v *CollateralVault) Withdraw(trader string, amount *big.Int) error {
	locked := v.ledger.LockedCollateral(trader)

	v.mu.Lock()
	defer v.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdrawal must be positive", ErrInvalidOrderParams)
	}
	free := new(big.Int).Sub(v.balance(trader), locked)
	if free.Cmp(amount) < 0 {
		return fmt.Errorf("%w: free %s, requested %s", ErrInsufficientCollateral, free.String(), amount.String())
	}
	v.balance(trader).Sub(v.balance(trader), amount)
	return nil
}

// ClaimFees pays out a receiver's accrued protocol or keeper fees
func (v *CollateralVault) ClaimFees(receiver string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	accrued, exists := v.fees[receiver]
	if !exists {
		return big.NewInt(0)
	}
	delete(v.fees, receiver)
	v.balance(receiver).Add(v.balance(receiver), accrued)
	return new(big.Int).Set(accrued)
}

// AccruedFees returns a receiver's unclaimed fees
func (v *CollateralVault) AccruedFees(receiver string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if accrued, exists := v.fees[receiver]; exists {
		return new(big.Int).Set(accrued)
	}
	return big.NewInt(0)
}

// AccrueYield records externally accrued passive yield (base-asset
// rebasing). It is synthetic income and never touches trader balances.
func (v *CollateralVault) AccrueYield(amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.yieldAccrued.Add(v.yieldAccrued, amount)
}

// ClaimAllYield forwards all accrued yield to the configured receiver
func (v *CollateralVault) ClaimAllYield(caller string) (*big.Int, error) {
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
	v.balance(v.yieldReceiver).Add(v.balance(v.yieldReceiver), claimed)
	return claimed, nil
}

// TotalBalances sums all custody, for the solvency check against on-chain
// holdings
func (v *CollateralVault) TotalBalances() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	total := big.NewInt(0)
	for _, b := range v.balances {
		total.Add(total, b)
	}
	return total
}

// debit removes amount from trader custody; settlement-path only
func (v *CollateralVault) debit(trader string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balance(trader).Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s, needed %s", ErrInsufficientCollateral, v.balance(trader).String(), amount.String())
	}
	v.balance(trader).Sub(v.balance(trader), amount)
	return nil
}

// credit adds amount to trader custody; settlement-path only
func (v *CollateralVault) credit(trader string, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance(trader).Add(v.balance(trader), amount)
}

// accrueFee books a fee for later claim; settlement-path only
func (v *CollateralVault) accrueFee(receiver string, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	accrued, exists := v.fees[receiver]
	if !exists {
		accrued = big.NewInt(0)
		v.fees[receiver] = accrued
	}
	accrued.Add(accrued, amount)
}

// balance returns the mutable balance entry; callers hold v.mu
func (v *CollateralVault) balance(trader string) *big.Int {
	b, exists := v.balances[trader]
	if !exists {
		b = big.NewInt(0)
		v.balances[trader] = b
	}
	return b
}
