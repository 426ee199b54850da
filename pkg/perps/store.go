package perps

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
)

var (
	orderKeyPrefix    = []byte("order/")
	positionKeyPrefix = []byte("position/")
)

// Store persists order and position records to a key-value database so the
// venue can restart without losing the audit trail or open exposure.
type Store struct {
	db database.Database
}

// NewStore wraps a database
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

// SaveOrder writes an order record keyed by id
func (s *Store) SaveOrder(order *Order) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode order %d: %w", order.ID, err)
	}
	return s.db.Put(orderKey(order.ID), raw)
}

// SavePosition writes a position record; a zero-size position deletes it
func (s *Store) SavePosition(position *Position) error {
	key := positionKey(position.Trader, position.MarketID)
	if position.Size.Sign() == 0 {
		return s.db.Delete(key)
	}
	raw, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("encode position %s/%d: %w", position.Trader, position.MarketID, err)
	}
	return s.db.Put(key, raw)
}

// LoadOrders reads back all persisted orders
func (s *Store) LoadOrders() ([]*Order, error) {
	iter := s.db.NewIteratorWithPrefix(orderKeyPrefix)
	defer iter.Release()

	out := make([]*Order, 0)
	for iter.Next() {
		var order Order
		if err := json.Unmarshal(iter.Value(), &order); err != nil {
			return nil, fmt.Errorf("decode order record: %w", err)
		}
		out = append(out, &order)
	}
	return out, iter.Error()
}

// LoadPositions reads back all persisted open positions
func (s *Store) LoadPositions() ([]*Position, error) {
	iter := s.db.NewIteratorWithPrefix(positionKeyPrefix)
	defer iter.Release()

	out := make([]*Position, 0)
	for iter.Next() {
		var position Position
		if err := json.Unmarshal(iter.Value(), &position); err != nil {
			return nil, fmt.Errorf("decode position record: %w", err)
		}
		out = append(out, &position)
	}
	return out, iter.Error()
}

// Restore loads persisted state into the exchange. Call before serving.
func (s *Store) Restore(e *Exchange) error {
	orders, err := s.LoadOrders()
	if err != nil {
		return err
	}
	e.Orders.restore(orders)

	positions, err := s.LoadPositions()
	if err != nil {
		return err
	}
	for _, position := range positions {
		e.Ledger.commit(position)
	}
	return nil
}

// Snapshot persists current orders and open positions
func (s *Store) Snapshot(e *Exchange) error {
	for _, order := range e.Orders.allOrders() {
		if err := s.SaveOrder(order); err != nil {
			return err
		}
	}
	for _, trader := range e.Ledger.traders() {
		for _, position := range e.Ledger.OpenPositions(trader) {
			if err := s.SavePosition(position); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", orderKeyPrefix, id))
}

func positionKey(trader string, marketID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%d", positionKeyPrefix, trader, marketID))
}
