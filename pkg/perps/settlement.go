package perps

import (
	"fmt"
	"math/big"
	"time"
)

// SettlementEngine orchestrates one order execution: price acceptance
// checks, position mutation, vault money movement and fee payment. Every
// settlement is atomic: all checks run against staged state and nothing is
// mutated unless the whole sequence can commit.
type SettlementEngine struct {
	registry   *MarketRegistry
	ledger     *PositionLedger
	collateral *CollateralVault
	liquidity  *LiquidityVault

	feeReceiver string
}

// NewSettlementEngine wires the settlement path
func NewSettlementEngine(registry *MarketRegistry, ledger *PositionLedger, collateral *CollateralVault, liquidity *LiquidityVault, feeReceiver string) *SettlementEngine {
	return &SettlementEngine{
		registry:    registry,
		ledger:      ledger,
		collateral:  collateral,
		liquidity:   liquidity,
		feeReceiver: feeReceiver,
	}
}

// settlePlan is a fully validated settlement staged for commit
type settlePlan struct {
	kind     OrderKind // effective kind after the liquidation override
	staged   *Position
	pnl      *big.Int // trader-signed realized pnl, zero for increases
	debit    *big.Int // taken out of trader custody on commit
	credit   *big.Int // returned to trader custody on commit
	protocol *big.Int
	keeper   *big.Int
	poolIn   *big.Int // liquidation remainder credited to the pool
}

// Settle validates and commits the execution of order at acceptedPrice.
// Returns the effective order kind, which differs from the requested kind
// when the position was liquidatable. A non-nil error means no state
// changed and the order may be retried.
func (s *SettlementEngine) Settle(order *Order, acceptedPrice *big.Int, keeper string) (OrderKind, error) {
	return s.settleWithOptions(order, acceptedPrice, keeper, false)
}

// settleWithOptions is Settle with the order's own price protections
// optionally bypassed, used by the SLTP path where the stored thresholds
// already gated execution
func (s *SettlementEngine) settleWithOptions(order *Order, acceptedPrice *big.Int, keeper string, skipProtection bool) (OrderKind, error) {
	market, err := s.registry.GetMarket(order.MarketID)
	if err != nil {
		return order.Kind, err
	}

	position, _ := s.ledger.GetPosition(order.Trader, order.MarketID)

	// The liquidation override is the first guard on the execution path:
	// a position below maintenance margin settles as a liquidation no
	// matter what the order asked for, and skips the order's own price
	// protections.
	kind := order.Kind
	if position != nil && s.ledger.IsLiquidatable(position, acceptedPrice) {
		kind = Liquidation
	} else if !skipProtection {
		if err := checkPriceProtection(order, acceptedPrice); err != nil {
			return kind, err
		}
	}

	var plan *settlePlan
	switch {
	case kind == Liquidation:
		plan, err = s.planLiquidation(market, order, position, acceptedPrice)
	case kind.IsIncrease():
		plan, err = s.planIncrease(market, order, position, acceptedPrice)
	default:
		plan, err = s.planDecrease(market, order, position, acceptedPrice)
	}
	if err != nil {
		return kind, err
	}

	s.commit(order.Trader, keeper, plan)
	return plan.kind, nil
}

// checkPriceProtection enforces the order's own execution guards: slippage
// for increases, trigger cross for decreases and requested liquidations
func checkPriceProtection(order *Order, price *big.Int) error {
	if order.Kind.IsIncrease() {
		if order.IsLong && price.Cmp(order.AcceptablePrice) > 0 {
			return fmt.Errorf("%w: price %s above acceptable %s",
				ErrPriceSlippageExceeded, price.String(), order.AcceptablePrice.String())
		}
		if !order.IsLong && price.Cmp(order.AcceptablePrice) < 0 {
			return fmt.Errorf("%w: price %s below acceptable %s",
				ErrPriceSlippageExceeded, price.String(), order.AcceptablePrice.String())
		}
		return nil
	}

	// Decrease and liquidation orders fire when price crosses the trigger
	// in the liquidating direction for the position side.
	if order.IsLong && price.Cmp(order.TriggerPrice) > 0 {
		return fmt.Errorf("%w: price %s has not fallen to trigger %s",
			ErrTriggerNotMet, price.String(), order.TriggerPrice.String())
	}
	if !order.IsLong && price.Cmp(order.TriggerPrice) < 0 {
		return fmt.Errorf("%w: price %s has not risen to trigger %s",
			ErrTriggerNotMet, price.String(), order.TriggerPrice.String())
	}
	return nil
}

// planIncrease stages an exposure-growing settlement
func (s *SettlementEngine) planIncrease(market *Market, order *Order, position *Position, price *big.Int) (*settlePlan, error) {
	protocolFee := bpsOf(order.SizeDeltaUsd, market.ProtocolFeeBps)
	keeperFee := new(big.Int).Set(market.KeeperFee)
	fees := new(big.Int).Add(protocolFee, keeperFee)

	needed := new(big.Int).Add(order.CollateralDeltaUsd, fees)
	if s.collateral.FreeBalanceOf(order.Trader).Cmp(needed) < 0 {
		return nil, fmt.Errorf("%w: need %s free", ErrInsufficientCollateral, needed.String())
	}

	signedDelta := new(big.Int).Set(order.SizeDeltaUsd)
	if !order.IsLong {
		signedDelta.Neg(signedDelta)
	}

	var staged *Position
	if position == nil {
		staged = &Position{
			Trader:        order.Trader,
			MarketID:      order.MarketID,
			Size:          big.NewInt(0),
			AvgEntryPrice: big.NewInt(0),
			Collateral:    big.NewInt(0),
			StopLoss:      big.NewInt(0),
			TakeProfit:    big.NewInt(0),
			OpenedAt:      time.Now(),
		}
	} else {
		if position.IsLong() != order.IsLong {
			return nil, fmt.Errorf("%w: increase direction conflicts with open position", ErrInvalidOrderParams)
		}
		staged = position.Clone()
	}

	// Size-weighted average entry over the old notional and the new delta.
	oldNotional := staged.Notional()
	newNotional := new(big.Int).Add(oldNotional, order.SizeDeltaUsd)
	if newNotional.Sign() > 0 {
		weighted := new(big.Int).Mul(oldNotional, staged.AvgEntryPrice)
		weighted.Add(weighted, new(big.Int).Mul(order.SizeDeltaUsd, price))
		staged.AvgEntryPrice = weighted.Quo(weighted, newNotional)
	}
	staged.Size = new(big.Int).Add(staged.Size, signedDelta)
	staged.Collateral = new(big.Int).Add(staged.Collateral, order.CollateralDeltaUsd)
	staged.UpdatedAt = time.Now()

	// Net exposure after the trade must stay inside the market's skew cap.
	newSkew := new(big.Int).Add(s.ledger.NetSkew(order.MarketID), signedDelta)
	if new(big.Int).Abs(newSkew).Cmp(market.MaxSkew) > 0 {
		return nil, fmt.Errorf("%w: |%s| > %s", ErrSkewLimitExceeded, newSkew.String(), market.MaxSkew.String())
	}

	return &settlePlan{
		kind:     order.Kind,
		staged:   staged,
		pnl:      big.NewInt(0),
		debit:    fees, // collateral itself stays in custody, margin-locked via the ledger
		credit:   big.NewInt(0),
		protocol: protocolFee,
		keeper:   keeperFee,
		poolIn:   big.NewInt(0),
	}, nil
}

// planDecrease stages an exposure-reducing settlement with realized pnl
func (s *SettlementEngine) planDecrease(market *Market, order *Order, position *Position, price *big.Int) (*settlePlan, error) {
	if position == nil {
		return nil, fmt.Errorf("%w: nothing to decrease", ErrPositionNotFound)
	}
	if position.IsLong() != order.IsLong {
		return nil, fmt.Errorf("%w: decrease direction conflicts with open position", ErrInvalidOrderParams)
	}

	notional := position.Notional()
	closed := order.SizeDeltaUsd
	if closed.Cmp(notional) > 0 {
		closed = notional
	}
	fullClose := closed.Cmp(notional) == 0

	// Realized profit is capped at the closed notional: that is the figure
	// WorstCaseLiability reserves per position, and past 2x entry a long's
	// raw pnl would claim more than the pool ever set aside.
	pnl := pnlOn(position.Size, position.AvgEntryPrice, price, closed)
	if pnl.Cmp(closed) > 0 {
		pnl = new(big.Int).Set(closed)
	}

	var released *big.Int
	if fullClose {
		released = new(big.Int).Set(position.Collateral)
	} else {
		released = new(big.Int).Mul(position.Collateral, closed)
		released.Quo(released, notional)
	}

	protocolFee := bpsOf(closed, market.ProtocolFeeBps)
	keeperFee := new(big.Int).Set(market.KeeperFee)
	fees := new(big.Int).Add(protocolFee, keeperFee)

	// The released collateral plus pnl must cover fees and any loss; a
	// shortfall aborts rather than settling partially, leaving the order
	// pending for the liquidation path.
	remainder := new(big.Int).Add(released, pnl)
	remainder.Sub(remainder, fees)
	if remainder.Sign() < 0 {
		return nil, fmt.Errorf("%w: settlement short by %s", ErrInsufficientCollateral, new(big.Int).Neg(remainder).String())
	}

	// The pool is the counterparty: a profit it cannot pay aborts the
	// settlement, leaving the order pending until the pool is funded.
	if pnl.Sign() > 0 {
		if assets := s.liquidity.TotalAssets(); assets.Cmp(pnl) < 0 {
			return nil, fmt.Errorf("%w: pool holds %s, owes %s",
				ErrPoolInsolvent, assets.String(), pnl.String())
		}
	}

	staged := position.Clone()
	shrink := new(big.Int).Set(closed)
	if staged.Size.Sign() < 0 {
		shrink.Neg(shrink)
	}
	staged.Size.Sub(staged.Size, shrink)
	staged.Collateral.Sub(staged.Collateral, released)
	staged.UpdatedAt = time.Now()

	debit := new(big.Int).Set(fees)
	credit := big.NewInt(0)
	if pnl.Sign() > 0 {
		credit = new(big.Int).Set(pnl)
	} else if pnl.Sign() < 0 {
		debit = debit.Add(debit, new(big.Int).Neg(pnl))
	}

	return &settlePlan{
		kind:     order.Kind,
		staged:   staged,
		pnl:      pnl,
		debit:    debit,
		credit:   credit,
		protocol: protocolFee,
		keeper:   keeperFee,
		poolIn:   big.NewInt(0),
	}, nil
}

// planLiquidation stages a forced full close: fees first, then the entire
// collateral remainder to the pool, nothing back to the trader
func (s *SettlementEngine) planLiquidation(market *Market, order *Order, position *Position, price *big.Int) (*settlePlan, error) {
	if position == nil {
		return nil, fmt.Errorf("%w: nothing to liquidate", ErrPositionNotFound)
	}

	notional := position.Notional()
	pnl := pnlOn(position.Size, position.AvgEntryPrice, price, notional)

	// The trader cannot lose more than posted collateral; losses beyond it
	// land on the pool.
	negCollateral := new(big.Int).Neg(position.Collateral)
	if pnl.Cmp(negCollateral) < 0 {
		pnl = negCollateral
	}

	available := new(big.Int).Add(position.Collateral, pnl)

	protocolFee := bpsOf(notional, market.ProtocolFeeBps)
	keeperFee := new(big.Int).Set(market.KeeperFee)
	fees := new(big.Int).Add(protocolFee, keeperFee)
	if fees.Cmp(available) > 0 {
		// Keeper fee has priority so liquidations stay profitable to call.
		if keeperFee.Cmp(available) > 0 {
			keeperFee = new(big.Int).Set(available)
			protocolFee = big.NewInt(0)
		} else {
			protocolFee = new(big.Int).Sub(available, keeperFee)
		}
		fees = new(big.Int).Add(protocolFee, keeperFee)
	}
	remainder := new(big.Int).Sub(available, fees)

	staged := position.Clone()
	staged.Size = big.NewInt(0)
	staged.Collateral = big.NewInt(0)
	staged.UpdatedAt = time.Now()

	// All collateral leaves trader custody: fees, pool remainder, and the
	// capped loss.
	debit := new(big.Int).Set(position.Collateral)

	return &settlePlan{
		kind:     Liquidation,
		staged:   staged,
		pnl:      pnl,
		debit:    debit,
		credit:   big.NewInt(0),
		protocol: protocolFee,
		keeper:   keeperFee,
		poolIn:   remainder,
	}, nil
}

// commit applies a validated plan. Nothing in here can fail: every balance
// was checked during planning and the engine serializes settlements.
func (s *SettlementEngine) commit(trader, keeper string, plan *settlePlan) {
	if plan.debit.Sign() > 0 {
		// Checked in planning; the debit cannot exceed custody because
		// locked collateral is part of the vault balance.
		_ = s.collateral.debit(trader, plan.debit)
	}
	if plan.credit.Sign() > 0 {
		s.collateral.credit(trader, plan.credit)
	}
	s.collateral.accrueFee(s.feeReceiver, plan.protocol)
	s.collateral.accrueFee(keeper, plan.keeper)

	if plan.pnl.Sign() != 0 {
		s.liquidity.settlePnl(plan.pnl)
	}
	if plan.poolIn.Sign() > 0 {
		s.liquidity.creditLiquidation(plan.poolIn)
	}

	s.ledger.commit(plan.staged)
}
