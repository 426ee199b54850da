package perps

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainEvents(e *Exchange) []Event {
	out := make([]Event, 0)
	for {
		select {
		case event := <-e.Events:
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestExchangeEventStream(t *testing.T) {
	e := newTestExchange(t)
	pushPrice(t, e, usd(2000))
	drainEvents(e)

	require.NoError(t, e.Collateral.Deposit(testTrader, usd(400)))

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
	require.NoError(t, err)

	events := drainEvents(e)
	require.Len(t, events, 2)
	assert.Equal(t, EventOrderCreated, events[0].Type)
	assert.Equal(t, EventOrderExecuted, events[1].Type)
	assert.Equal(t, order.ID, events[1].Order.ID)
	assert.Equal(t, usd(2000), events[1].Price)
}

func TestSubmitPriceChecksFeed(t *testing.T) {
	e := newTestExchange(t)

	update := PriceUpdate{
		FeedID:      [32]byte{0xaa},
		Price:       usd(2000),
		Conf:        big.NewInt(0),
		PublishTime: freshPublishTime(),
		Signature:   []byte{0x01},
	}
	_, err := e.SubmitPrice(1, update, big.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidPriceUpdate)

	update.FeedID = testFeed
	point, err := e.SubmitPrice(1, update, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, usd(2000), point.Price)

	events := drainEvents(e)
	require.Len(t, events, 1)
	assert.Equal(t, EventPriceAccepted, events[0].Type)
	assert.Equal(t, uint64(1), events[0].MarketID)
}

func TestGetOpenPositions(t *testing.T) {
	e := newTestExchange(t)
	pushPrice(t, e, usd(2000))

	assert.Empty(t, e.GetOpenPositions(testTrader))

	openLong(t, e, 3000, 300)
	positions := e.GetOpenPositions(testTrader)
	require.Len(t, positions, 1)
	assert.Equal(t, uint64(1), positions[0].MarketID)

	price, err := e.IndexPrice(1)
	require.NoError(t, err)
	assert.Equal(t, usd(2000), price)
}
