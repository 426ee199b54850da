package perps

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerPosition(trader string, marketID uint64, size, entry, collateral *big.Int) *Position {
	return &Position{
		Trader:        trader,
		MarketID:      marketID,
		Size:          size,
		AvgEntryPrice: entry,
		Collateral:    collateral,
		StopLoss:      big.NewInt(0),
		TakeProfit:    big.NewInt(0),
	}
}

func TestUnrealizedPnl(t *testing.T) {
	ledger := NewPositionLedger()

	long := ledgerPosition(testTrader, 1, usd(3000), usd(2000), usd(300))
	short := ledgerPosition(testTrader, 2, usd(-3000), usd(2000), usd(300))

	t.Run("LongGainsOnRally", func(t *testing.T) {
		assert.Equal(t, usd(150), ledger.UnrealizedPnl(long, usd(2100)))
		assert.Equal(t, usd(-150), ledger.UnrealizedPnl(long, usd(1900)))
	})

	t.Run("ShortMirrorsLong", func(t *testing.T) {
		assert.Equal(t, usd(-150), ledger.UnrealizedPnl(short, usd(2100)))
		assert.Equal(t, usd(150), ledger.UnrealizedPnl(short, usd(1900)))
	})

	t.Run("EquityAddsCollateral", func(t *testing.T) {
		assert.Equal(t, usd(450), ledger.Equity(long, usd(2100)))
		assert.Equal(t, usd(150), ledger.Equity(long, usd(1900)))
	})
}

func TestIsLiquidatable(t *testing.T) {
	ledger := NewPositionLedger()
	long := ledgerPosition(testTrader, 1, usd(3000), usd(2000), usd(300))

	// Maintenance margin is 1% of the 3000 notional: 30. Equity touches 30
	// when the mark loss reaches 270, at price 1820.
	assert.False(t, ledger.IsLiquidatable(long, usd(1821)))
	assert.True(t, ledger.IsLiquidatable(long, usd(1820)))
	assert.True(t, ledger.IsLiquidatable(long, usd(1500)))
}

func TestNetSkewAndLiability(t *testing.T) {
	ledger := NewPositionLedger()

	ledger.commit(ledgerPosition("alice", 1, usd(3000), usd(2000), usd(300)))
	ledger.commit(ledgerPosition("bob", 1, usd(-1000), usd(2000), usd(100)))
	ledger.commit(ledgerPosition("alice", 2, usd(500), usd(100), usd(50)))

	assert.Equal(t, usd(2000), ledger.NetSkew(1))
	assert.Equal(t, usd(500), ledger.NetSkew(2))
	assert.Equal(t, usd(0), ledger.NetSkew(3))

	// Liability sums gross notional across markets, longs and shorts alike.
	assert.Equal(t, usd(4500), ledger.WorstCaseLiability())

	assert.Equal(t, usd(350), ledger.LockedCollateral("alice"))
	assert.Equal(t, usd(100), ledger.LockedCollateral("bob"))
}

func TestCommitRemovesClosedPositions(t *testing.T) {
	ledger := NewPositionLedger()

	ledger.commit(ledgerPosition(testTrader, 1, usd(3000), usd(2000), usd(300)))
	_, err := ledger.GetPosition(testTrader, 1)
	require.NoError(t, err)

	ledger.commit(ledgerPosition(testTrader, 1, usd(0), usd(2000), usd(0)))
	_, err = ledger.GetPosition(testTrader, 1)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.Empty(t, ledger.OpenPositions(testTrader))
	assert.Empty(t, ledger.traders())
}
