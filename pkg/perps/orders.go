package perps

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"
)

// OrderStateMachine owns the order lifecycle: Pending is the only
// non-terminal state, every transition out of it is one-way, and the
// first successful execution wins any keeper race by virtue of that
// one-way transition alone.
type OrderStateMachine struct {
	orders map[uint64]*Order
	nextID uint64

	registry   *MarketRegistry
	oracle     *PriceOracleAdapter
	settlement *SettlementEngine
	ledger     *PositionLedger

	emit func(Event)

	mu sync.RWMutex

	// execMu serializes settlements: orders execute strictly one at a
	// time so average-entry recomputation on a shared position stays
	// correct and keeper races resolve to one winner.
	execMu sync.Mutex
}

// NewOrderStateMachine wires the order lifecycle
func NewOrderStateMachine(registry *MarketRegistry, oracle *PriceOracleAdapter, settlement *SettlementEngine, ledger *PositionLedger, emit func(Event)) *OrderStateMachine {
	if emit == nil {
		emit = func(Event) {}
	}
	return &OrderStateMachine{
		orders:     make(map[uint64]*Order),
		nextID:     1,
		registry:   registry,
		oracle:     oracle,
		settlement: settlement,
		ledger:     ledger,
		emit:       emit,
	}
}

// CreateOrder validates params and queues a Pending order. Returns the new
// order; ids are monotonic and never reused.
func (m *OrderStateMachine) CreateOrder(trader string, params OrderParams) (*Order, error) {
	market, err := m.registry.GetMarket(params.Market)
	if err != nil {
		return nil, err
	}
	if err := validateOrderParams(market, params); err != nil {
		return nil, err
	}

	m.mu.Lock()
	order := &Order{
		ID:                 m.nextID,
		Trader:             trader,
		MarketID:           params.Market,
		CollateralToken:    params.CollateralToken,
		SizeDeltaUsd:       new(big.Int).Set(params.SizeDeltaUsd),
		CollateralDeltaUsd: new(big.Int).Set(params.CollateralDeltaUsd),
		TriggerPrice:       new(big.Int).Set(params.TriggerPrice),
		AcceptablePrice:    new(big.Int).Set(params.AcceptablePrice),
		Kind:               params.Kind,
		IsLong:             params.IsLong,
		Status:             OrderPending,
		CreatedAt:          time.Now(),
		ExecutedPrice:      big.NewInt(0),
	}
	m.nextID++
	m.orders[order.ID] = order
	m.mu.Unlock()

	m.emit(Event{Type: EventOrderCreated, Timestamp: time.Now(), Order: order, MarketID: order.MarketID})
	return order, nil
}

func validateOrderParams(market *Market, params OrderParams) error {
	if params.SizeDeltaUsd == nil || params.SizeDeltaUsd.Sign() < 0 {
		return fmt.Errorf("%w: negative size delta", ErrInvalidOrderParams)
	}
	if params.CollateralDeltaUsd == nil || params.CollateralDeltaUsd.Sign() < 0 {
		return fmt.Errorf("%w: negative collateral delta", ErrInvalidOrderParams)
	}
	if params.TriggerPrice == nil || params.TriggerPrice.Sign() <= 0 {
		return fmt.Errorf("%w: trigger price must be positive", ErrInvalidOrderParams)
	}
	if params.AcceptablePrice == nil || params.AcceptablePrice.Sign() <= 0 {
		return fmt.Errorf("%w: acceptable price must be positive", ErrInvalidOrderParams)
	}

	// The acceptable price sits on the unfavorable side of the trigger,
	// within the market's slippage tolerance.
	tolerance := bpsOf(params.TriggerPrice, market.SlippageBps)
	if params.IsLong {
		upper := new(big.Int).Add(params.TriggerPrice, tolerance)
		if params.AcceptablePrice.Cmp(params.TriggerPrice) < 0 || params.AcceptablePrice.Cmp(upper) > 0 {
			return fmt.Errorf("%w: acceptable price outside long tolerance", ErrInvalidOrderParams)
		}
	} else {
		lower := new(big.Int).Sub(params.TriggerPrice, tolerance)
		if params.AcceptablePrice.Cmp(params.TriggerPrice) > 0 || params.AcceptablePrice.Cmp(lower) < 0 {
			return fmt.Errorf("%w: acceptable price outside short tolerance", ErrInvalidOrderParams)
		}
	}
	return nil
}

// GetOrder returns an order by id, terminal orders included
func (m *OrderStateMachine) GetOrder(id uint64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, exists := m.orders[id]
	if !exists {
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	return order, nil
}

// PendingOrders returns all Pending orders, ascending by id
func (m *OrderStateMachine) PendingOrders() []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Order, 0)
	for _, order := range m.orders {
		if order.Status == OrderPending {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// restore loads persisted orders and advances the id counter past them
func (m *OrderStateMachine) restore(orders []*Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, order := range orders {
		m.orders[order.ID] = order
		if order.ID >= m.nextID {
			m.nextID = order.ID + 1
		}
	}
}

// allOrders returns every order, terminal included
func (m *OrderStateMachine) allOrders() []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Order, 0, len(m.orders))
	for _, order := range m.orders {
		out = append(out, order)
	}
	return out
}

// CancelOrder cancels a Pending order; only its trader may cancel
func (m *OrderStateMachine) CancelOrder(trader string, id uint64) error {
	m.mu.Lock()
	order, exists := m.orders[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if order.Status.Terminal() || order.Trader != trader {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrNotCancellable, id)
	}
	order.Status = OrderCancelled
	m.mu.Unlock()

	m.emit(Event{Type: EventOrderCancelled, Timestamp: time.Now(), Order: order, MarketID: order.MarketID})
	return nil
}

// ExecuteOrder executes a Pending order against the current index price.
// Callable by any keeper; losers of a keeper race get ErrAlreadyExecuted.
// Any settlement failure leaves the order Pending for retry.
func (m *OrderStateMachine) ExecuteOrder(keeper string, id uint64) (*Order, error) {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	m.mu.Lock()
	order, exists := m.orders[id]
	if !exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if order.Status.Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d is %s", ErrAlreadyExecuted, id, order.Status)
	}
	m.mu.Unlock()

	market, err := m.registry.GetMarket(order.MarketID)
	if err != nil {
		return nil, err
	}
	price, err := m.oracle.IndexPrice(market.PriceFeedID)
	if err != nil {
		return nil, err
	}

	return m.executeAt(keeper, order, price, false)
}

// ExecuteSltp submits a fresh price update and executes the order only if
// the position's stored stop-loss or take-profit threshold is crossed. fee
// is the forwarded oracle update fee.
func (m *OrderStateMachine) ExecuteSltp(keeper string, id uint64, update PriceUpdate, fee *big.Int) (*Order, error) {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	m.mu.Lock()
	order, exists := m.orders[id]
	if !exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if order.Status.Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d is %s", ErrAlreadyExecuted, id, order.Status)
	}
	m.mu.Unlock()

	market, err := m.registry.GetMarket(order.MarketID)
	if err != nil {
		return nil, err
	}
	if update.FeedID != market.PriceFeedID {
		return nil, fmt.Errorf("%w: update feed does not match market", ErrInvalidPriceUpdate)
	}
	point, err := m.oracle.SubmitAndGetPrice(update, fee)
	if err != nil {
		return nil, err
	}
	price := point.Price

	position, err := m.ledger.GetPosition(order.Trader, order.MarketID)
	if err != nil {
		return nil, err
	}
	if !sltpTriggered(position, price) && !m.ledger.IsLiquidatable(position, price) {
		return nil, fmt.Errorf("%w: price %s inside thresholds", ErrSltpNotTriggered, price.String())
	}

	// Threshold crossing replaces the order's own trigger protection.
	return m.executeAt(keeper, order, price, true)
}

// sltpTriggered reports whether price crossed the stored stop-loss or
// take-profit for the position's direction
func sltpTriggered(position *Position, price *big.Int) bool {
	sl, tp := position.StopLoss, position.TakeProfit
	if position.IsLong() {
		if sl.Sign() > 0 && price.Cmp(sl) <= 0 {
			return true
		}
		if tp.Sign() > 0 && price.Cmp(tp) >= 0 {
			return true
		}
		return false
	}
	if sl.Sign() > 0 && price.Cmp(sl) >= 0 {
		return true
	}
	if tp.Sign() > 0 && price.Cmp(tp) <= 0 {
		return true
	}
	return false
}

// executeAt runs settlement and commits the terminal transition
func (m *OrderStateMachine) executeAt(keeper string, order *Order, price *big.Int, skipProtection bool) (*Order, error) {
	kind, err := m.settlement.settleWithOptions(order, price, keeper, skipProtection)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if order.Status.Terminal() {
		// Settlement is serialized upstream; this is unreachable, kept as
		// a tripwire for misuse of the package.
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", ErrAlreadyExecuted, order.ID)
	}
	if kind == Liquidation {
		order.Status = OrderLiquidated
	} else {
		order.Status = OrderExecuted
	}
	order.ExecutedPrice = new(big.Int).Set(price)
	order.ExecutedAt = time.Now()
	order.Keeper = keeper
	m.mu.Unlock()

	eventType := EventOrderExecuted
	if order.Status == OrderLiquidated {
		eventType = EventLiquidation
	}
	m.emit(Event{Type: eventType, Timestamp: time.Now(), Order: order, MarketID: order.MarketID, Price: price})
	return order, nil
}

// UpdateSltp sets stop-loss and take-profit on the open position tied to
// the order's market. Trader-only. A zero threshold clears it.
func (m *OrderStateMachine) UpdateSltp(trader string, id uint64, stopLoss, takeProfit *big.Int) error {
	// Settlement reads the stop-loss and take-profit off the live position,
	// so threshold writes take the same settlement lock.
	m.execMu.Lock()
	defer m.execMu.Unlock()

	m.mu.RLock()
	order, exists := m.orders[id]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if order.Trader != trader {
		return ErrNotAuthorized
	}

	position, err := m.ledger.GetPosition(trader, order.MarketID)
	if err != nil {
		return err
	}
	market, err := m.registry.GetMarket(order.MarketID)
	if err != nil {
		return err
	}
	price, err := m.oracle.IndexPrice(market.PriceFeedID)
	if err != nil {
		return err
	}

	if stopLoss == nil {
		stopLoss = big.NewInt(0)
	}
	if takeProfit == nil {
		takeProfit = big.NewInt(0)
	}

	// Stop-loss sits on the losing side of the current price, take-profit
	// on the winning side.
	if position.IsLong() {
		if stopLoss.Sign() > 0 && stopLoss.Cmp(price) >= 0 {
			return fmt.Errorf("%w: long stop-loss above price", ErrInvalidThresholds)
		}
		if takeProfit.Sign() > 0 && takeProfit.Cmp(price) <= 0 {
			return fmt.Errorf("%w: long take-profit below price", ErrInvalidThresholds)
		}
	} else {
		if stopLoss.Sign() > 0 && stopLoss.Cmp(price) <= 0 {
			return fmt.Errorf("%w: short stop-loss below price", ErrInvalidThresholds)
		}
		if takeProfit.Sign() > 0 && takeProfit.Cmp(price) >= 0 {
			return fmt.Errorf("%w: short take-profit above price", ErrInvalidThresholds)
		}
	}

	position.StopLoss = new(big.Int).Set(stopLoss)
	position.TakeProfit = new(big.Int).Set(takeProfit)
	position.UpdatedAt = time.Now()
	return nil
}
