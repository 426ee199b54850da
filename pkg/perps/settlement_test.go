package perps

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncreaseAveragesEntryPrice(t *testing.T) {
	e := newTestExchange(t)
	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	require.NoError(t, e.Collateral.Deposit(testTrader, usd(110)))
	pushPrice(t, e, usd(2100))

	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(1000),
		CollateralDeltaUsd: usd(100),
		TriggerPrice:       usd(2100),
		AcceptablePrice:    usd(2121),
		Kind:               MarketIncrease,
		IsLong:             true,
	})
	require.NoError(t, err)
	_, err = e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)

	position, err := e.Ledger.GetPosition(testTrader, 1)
	require.NoError(t, err)
	assert.Equal(t, usd(4000), position.Size)
	// (3000*2000 + 1000*2100) / 4000
	assert.Equal(t, usd(2025), position.AvgEntryPrice)
	assert.Equal(t, usd(400), position.Collateral)
	assert.Equal(t, usd(400), e.Ledger.LockedCollateral(testTrader))
}

func TestIncreaseDirectionConflict(t *testing.T) {
	e := newTestExchange(t)
	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(1000),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(2000),
		AcceptablePrice:    usd(1980),
		Kind:               MarketIncrease,
		IsLong:             false,
	})
	require.NoError(t, err)

	_, err = e.Orders.ExecuteOrder(testKeeper, order.ID)
	assert.ErrorIs(t, err, ErrInvalidOrderParams)
}

func TestInsufficientFreeCollateral(t *testing.T) {
	e := newTestExchange(t)
	pushPrice(t, e, usd(2000))
	require.NoError(t, e.Collateral.Deposit(testTrader, usd(100)))

	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(3000),
		CollateralDeltaUsd: usd(300),
		TriggerPrice:       usd(2000),
		AcceptablePrice:    usd(2020),
		Kind:               MarketIncrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	_, err = e.Orders.ExecuteOrder(testKeeper, order.ID)
	assert.ErrorIs(t, err, ErrInsufficientCollateral)

	// Nothing moved and the order stays retryable after a top-up.
	got, err := e.Orders.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderPending, got.Status)
	assert.Equal(t, usd(100), e.Collateral.BalanceOf(testTrader))

	require.NoError(t, e.Collateral.Deposit(testTrader, usd(300)))
	executed, err := e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderExecuted, executed.Status)
}

func TestSkewLimit(t *testing.T) {
	e := newTestExchange(t)
	_, err := e.Registry.CreateMarket(testAuthority, MarketParams{
		ID:          2,
		Symbol:      "ETH-TIGHT",
		PriceFeedID: testFeed,
		MaxSkew:     usd(5000),
	})
	require.NoError(t, err)

	pushPrice(t, e, usd(2000))
	require.NoError(t, e.Collateral.Deposit(testTrader, usd(1000)))

	open := func(sizeUsd int64) (*Order, error) {
		order, err := e.Orders.CreateOrder(testTrader, OrderParams{
			Market:             2,
			CollateralToken:    "USDB",
			SizeDeltaUsd:       usd(sizeUsd),
			CollateralDeltaUsd: usd(300),
			TriggerPrice:       usd(2000),
			AcceptablePrice:    usd(2020),
			Kind:               MarketIncrease,
			IsLong:             true,
		})
		require.NoError(t, err)
		return e.Orders.ExecuteOrder(testKeeper, order.ID)
	}

	executed, err := open(3000)
	require.NoError(t, err)
	assert.Equal(t, OrderExecuted, executed.Status)
	assert.Equal(t, usd(3000), e.Ledger.NetSkew(2))

	// Another 3000 long would push net skew to 6000, past the 5000 cap.
	_, err = open(3000)
	assert.ErrorIs(t, err, ErrSkewLimitExceeded)

	// 2000 lands exactly on the cap and passes.
	executed, err = open(2000)
	require.NoError(t, err)
	assert.Equal(t, OrderExecuted, executed.Status)
	assert.Equal(t, usd(5000), e.Ledger.NetSkew(2))
}

func TestDecreaseRealizesProfit(t *testing.T) {
	e := newTestExchange(t)
	_, err := e.Liquidity.Deposit(testProvider, usd(10_000))
	require.NoError(t, err)

	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	pushPrice(t, e, usd(2100))
	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(3000),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(2100),
		AcceptablePrice:    usd(2121),
		Kind:               MarketDecrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	executed, err := e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderExecuted, executed.Status)

	// 3000 notional closed 100 above a 2000 entry: +150 realized, paid by
	// the pool; 2.5 in fees taken from the trader.
	_, err = e.Ledger.GetPosition(testTrader, 1)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.Equal(t, usd(455), e.Collateral.BalanceOf(testTrader))
	assert.Equal(t, usd(455), e.Collateral.FreeBalanceOf(testTrader))
	assert.Equal(t, usd(9850), e.Liquidity.TotalAssets())
	assert.Equal(t, usd(3), e.Collateral.AccruedFees(testFeeReceiver))
	assert.Equal(t, usd(2), e.Collateral.AccruedFees(testKeeper))
}

func TestDecreaseProfitCappedAtNotional(t *testing.T) {
	e := newTestExchange(t)
	_, err := e.Liquidity.Deposit(testProvider, usd(10_000))
	require.NoError(t, err)

	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	// The mark more than doubled: the raw gain would be 3150, but realized
	// profit never exceeds the 3000 notional closed.
	pushPrice(t, e, usd(4100))
	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(3000),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(4100),
		AcceptablePrice:    usd(4141),
		Kind:               MarketDecrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	executed, err := e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderExecuted, executed.Status)

	_, err = e.Ledger.GetPosition(testTrader, 1)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.Equal(t, usd(3305), e.Collateral.BalanceOf(testTrader))
	assert.Equal(t, usd(7000), e.Liquidity.TotalAssets())
}

func TestDecreaseBlockedByPoolShortfall(t *testing.T) {
	e := newTestExchange(t)
	_, err := e.Liquidity.Deposit(testProvider, usd(100))
	require.NoError(t, err)

	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	pushPrice(t, e, usd(2200))
	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(3000),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(2200),
		AcceptablePrice:    usd(2222),
		Kind:               MarketDecrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	// The trader is owed 300 but the pool holds 100: the settlement aborts
	// whole, leaving the order retryable and every balance untouched.
	_, err = e.Orders.ExecuteOrder(testKeeper, order.ID)
	assert.ErrorIs(t, err, ErrPoolInsolvent)

	got, err := e.Orders.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderPending, got.Status)
	assert.Equal(t, centsUsd(30_750), e.Collateral.BalanceOf(testTrader))
	assert.Equal(t, usd(100), e.Liquidity.TotalAssets())

	_, err = e.Liquidity.Deposit(testProvider, usd(1000))
	require.NoError(t, err)

	executed, err := e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderExecuted, executed.Status)
	assert.Equal(t, usd(605), e.Collateral.BalanceOf(testTrader))
	assert.Equal(t, usd(800), e.Liquidity.TotalAssets())
}

func TestPartialDecrease(t *testing.T) {
	e := newTestExchange(t)
	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(1000),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(2000),
		AcceptablePrice:    usd(2020),
		Kind:               MarketDecrease,
		IsLong:             true,
	})
	require.NoError(t, err)
	_, err = e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)

	// A third of the notional closes at entry: no pnl, proportional
	// collateral release, fees on the closed third only.
	position, err := e.Ledger.GetPosition(testTrader, 1)
	require.NoError(t, err)
	assert.Equal(t, usd(2000), position.Size)
	assert.Equal(t, usd(200), position.Collateral)
	assert.Equal(t, usd(2000), position.AvgEntryPrice)

	wantBalance := new(big.Int).Sub(usd(310), usd(4)) // 2.5 open + 1.5 close
	assert.Equal(t, wantBalance, e.Collateral.BalanceOf(testTrader))
	assert.Equal(t, usd(200), e.Ledger.LockedCollateral(testTrader))
}

func TestDecreaseTriggerNotMet(t *testing.T) {
	e := newTestExchange(t)
	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(3000),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(2000),
		AcceptablePrice:    usd(2020),
		Kind:               LimitDecrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	// A long decrease fires once price has fallen to the trigger.
	pushPrice(t, e, usd(2050))
	_, err = e.Orders.ExecuteOrder(testKeeper, order.ID)
	assert.ErrorIs(t, err, ErrTriggerNotMet)

	got, err := e.Orders.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderPending, got.Status)

	pushPrice(t, e, usd(2000))
	executed, err := e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderExecuted, executed.Status)
}

func TestDecreaseWithoutPosition(t *testing.T) {
	e := newTestExchange(t)
	pushPrice(t, e, usd(2000))

	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(1000),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(2000),
		AcceptablePrice:    usd(2020),
		Kind:               MarketDecrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	_, err = e.Orders.ExecuteOrder(testKeeper, order.ID)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestLiquidationOverride(t *testing.T) {
	e := newTestExchange(t)
	_, err := e.Liquidity.Deposit(testProvider, usd(10_000))
	require.NoError(t, err)

	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	// Equity 30 at price 1820 sits exactly on the 1% maintenance margin.
	pushPrice(t, e, usd(1820))
	position, err := e.Ledger.GetPosition(testTrader, 1)
	require.NoError(t, err)
	assert.True(t, e.Ledger.IsLiquidatable(position, usd(1820)))

	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(3000),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(1820),
		AcceptablePrice:    usd(1820),
		Kind:               MarketDecrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	executed, err := e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)
	// The decrease settled as a liquidation.
	assert.Equal(t, OrderLiquidated, executed.Status)

	// Collateral 300 against a 270 loss: 30 available, 2.5 in fees, the
	// 27.5 remainder goes to the pool, nothing back to the trader.
	_, err = e.Ledger.GetPosition(testTrader, 1)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.Equal(t, centsUsd(750), e.Collateral.BalanceOf(testTrader))

	wantPool := new(big.Int).Add(usd(10_270), centsUsd(2750))
	assert.Equal(t, wantPool, e.Liquidity.TotalAssets())
	assert.Equal(t, usd(3), e.Collateral.AccruedFees(testFeeReceiver))
	assert.Equal(t, usd(2), e.Collateral.AccruedFees(testKeeper))
}

func TestLiquidationReclassifiesIncrease(t *testing.T) {
	e := newTestExchange(t)
	_, err := e.Liquidity.Deposit(testProvider, usd(10_000))
	require.NoError(t, err)

	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	// A pending increase on a position gone underwater settles as a
	// liquidation, whatever the order asked for.
	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(100),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(2000),
		AcceptablePrice:    usd(2020),
		Kind:               MarketIncrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	pushPrice(t, e, usd(1800))
	executed, err := e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderLiquidated, executed.Status)

	_, err = e.Ledger.GetPosition(testTrader, 1)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestLiquidationLossCappedAtCollateral(t *testing.T) {
	e := newTestExchange(t)
	_, err := e.Liquidity.Deposit(testProvider, usd(10_000))
	require.NoError(t, err)

	pushPrice(t, e, usd(2000))
	openLong(t, e, 3000, 300)

	// Price collapse: the mark loss is 750, but the trader can lose at most
	// the 300 posted. Nothing is left for fees, so the keeper fee caps at
	// zero and the pool absorbs the excess.
	pushPrice(t, e, usd(1500))
	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(3000),
		CollateralDeltaUsd: big.NewInt(0),
		TriggerPrice:       usd(1500),
		AcceptablePrice:    usd(1500),
		Kind:               MarketDecrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	executed, err := e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderLiquidated, executed.Status)

	assert.Equal(t, centsUsd(750), e.Collateral.BalanceOf(testTrader))
	assert.Equal(t, usd(10_300), e.Liquidity.TotalAssets())
	// Only the opening fees were ever accrued.
	assert.Equal(t, centsUsd(150), e.Collateral.AccruedFees(testFeeReceiver))
	assert.Equal(t, usd(1), e.Collateral.AccruedFees(testKeeper))
}
