package perps

import (
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testAuthority   = "authority"
	testFeeReceiver = "fee_receiver"
	testTrader      = "trader1"
	testKeeper      = "keeper1"
	testProvider    = "lp1"
)

var testFeed = [32]byte{0xff, 0x61, 0x49, 0x1a}

// testPublishSeq keeps test oracle updates strictly ordered even when
// several land within the same wall-clock second
var testPublishSeq int64

func freshPublishTime() int64 {
	return time.Now().Unix() + atomic.AddInt64(&testPublishSeq, 1)
}

// usd converts a whole-dollar amount to 1e18 fixed point
func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Wad)
}

// centsUsd converts hundredths of a dollar to 1e18 fixed point
func centsUsd(n int64) *big.Int {
	out := new(big.Int).Mul(big.NewInt(n), Wad)
	return out.Quo(out, big.NewInt(100))
}

func newTestExchange(t *testing.T) *Exchange {
	t.Helper()

	config := DefaultConfig()
	config.Authority = testAuthority
	config.FeeReceiver = testFeeReceiver
	config.OracleUpdateFee = big.NewInt(1)
	e := NewExchange(config)

	_, err := e.Registry.CreateMarket(testAuthority, MarketParams{
		ID:          1,
		Symbol:      "ETH",
		PriceFeedID: testFeed,
		MaxSkew:     usd(1_000_000),
	})
	require.NoError(t, err)
	return e
}

// pushPrice submits a fresh oracle update for the test market
func pushPrice(t *testing.T, e *Exchange, price *big.Int) {
	t.Helper()

	update := PriceUpdate{
		FeedID:      testFeed,
		Price:       price,
		Conf:        big.NewInt(0),
		PublishTime: freshPublishTime(),
		Signature:   []byte{0x01},
	}
	_, err := e.Oracle.SubmitAndGetPrice(update, big.NewInt(1))
	require.NoError(t, err)
}

// openLong funds the trader and executes a long increase of sizeUsd
// notional with collateralUsd margin at the current index price
func openLong(t *testing.T, e *Exchange, sizeUsd, collateralUsd int64) *Order {
	t.Helper()

	require.NoError(t, e.Collateral.Deposit(testTrader, usd(collateralUsd+10)))

	price, err := e.IndexPrice(1)
	require.NoError(t, err)
	acceptable := new(big.Int).Mul(price, big.NewInt(101))
	acceptable.Quo(acceptable, big.NewInt(100))

	order, err := e.Orders.CreateOrder(testTrader, OrderParams{
		Market:             1,
		CollateralToken:    "USDB",
		SizeDeltaUsd:       usd(sizeUsd),
		CollateralDeltaUsd: usd(collateralUsd),
		TriggerPrice:       price,
		AcceptablePrice:    acceptable,
		Kind:               MarketIncrease,
		IsLong:             true,
	})
	require.NoError(t, err)

	executed, err := e.Orders.ExecuteOrder(testKeeper, order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderExecuted, executed.Status)
	return executed
}
