package perps

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollateralDepositWithdraw(t *testing.T) {
	ledger := NewPositionLedger()
	vault := NewCollateralVault(testAuthority, ledger)

	t.Run("DepositCredits", func(t *testing.T) {
		require.NoError(t, vault.Deposit(testTrader, usd(500)))
		assert.Equal(t, usd(500), vault.BalanceOf(testTrader))
		assert.Equal(t, usd(500), vault.FreeBalanceOf(testTrader))
	})

	t.Run("WithdrawWithinFree", func(t *testing.T) {
		require.NoError(t, vault.Withdraw(testTrader, usd(100)))
		assert.Equal(t, usd(400), vault.BalanceOf(testTrader))
	})

	t.Run("RejectsNonPositive", func(t *testing.T) {
		assert.ErrorIs(t, vault.Deposit(testTrader, usd(0)), ErrInvalidOrderParams)
		assert.ErrorIs(t, vault.Withdraw(testTrader, big.NewInt(-1)), ErrInvalidOrderParams)
	})

	t.Run("RejectsOverdraw", func(t *testing.T) {
		assert.ErrorIs(t, vault.Withdraw(testTrader, usd(401)), ErrInsufficientCollateral)
	})
}

func TestWithdrawConsultsLedger(t *testing.T) {
	ledger := NewPositionLedger()
	vault := NewCollateralVault(testAuthority, ledger)

	require.NoError(t, vault.Deposit(testTrader, usd(500)))

	// 300 of the balance is margin-locked in an open position.
	ledger.commit(&Position{
		Trader:        testTrader,
		MarketID:      1,
		Size:          usd(3000),
		AvgEntryPrice: usd(2000),
		Collateral:    usd(300),
		StopLoss:      big.NewInt(0),
		TakeProfit:    big.NewInt(0),
	})

	assert.Equal(t, usd(500), vault.BalanceOf(testTrader))
	assert.Equal(t, usd(200), vault.FreeBalanceOf(testTrader))

	assert.ErrorIs(t, vault.Withdraw(testTrader, usd(201)), ErrInsufficientCollateral)
	require.NoError(t, vault.Withdraw(testTrader, usd(200)))
}

func TestFeeAccrualAndClaim(t *testing.T) {
	ledger := NewPositionLedger()
	vault := NewCollateralVault(testAuthority, ledger)

	vault.accrueFee(testKeeper, usd(2))
	vault.accrueFee(testKeeper, usd(1))
	assert.Equal(t, usd(3), vault.AccruedFees(testKeeper))

	claimed := vault.ClaimFees(testKeeper)
	assert.Equal(t, usd(3), claimed)
	assert.Equal(t, usd(3), vault.BalanceOf(testKeeper))
	assert.Equal(t, big.NewInt(0), vault.AccruedFees(testKeeper))

	// Nothing left to claim.
	assert.Equal(t, big.NewInt(0), vault.ClaimFees(testKeeper))
}

func TestCollateralYield(t *testing.T) {
	ledger := NewPositionLedger()
	vault := NewCollateralVault(testAuthority, ledger)

	vault.AccrueYield(usd(7))

	_, err := vault.ClaimAllYield(testAuthority)
	assert.ErrorIs(t, err, ErrVaultNotWired)

	require.NoError(t, vault.SetYieldReceiver(testAuthority, "treasury"))
	claimed, err := vault.ClaimAllYield(testAuthority)
	require.NoError(t, err)
	assert.Equal(t, usd(7), claimed)
	assert.Equal(t, usd(7), vault.BalanceOf("treasury"))

	_, err = vault.ClaimAllYield("mallory")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSetPerpsMarket(t *testing.T) {
	vault := NewCollateralVault(testAuthority, NewPositionLedger())

	require.NoError(t, vault.SetPerpsMarket(testAuthority, "perps_market"))
	require.NoError(t, vault.SetPerpsMarket(testAuthority, "perps_market_v2"))
	assert.ErrorIs(t, vault.SetPerpsMarket("mallory", "x"), ErrNotAuthorized)
}
