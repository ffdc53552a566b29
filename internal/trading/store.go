package trading

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store holds all orders in memory with a per-user index. Mutations
// take the store lock; admin events are published after the lock is
// released.
type Store struct {
	events *EventBus
	log    zerolog.Logger

	mu     sync.Mutex
	orders map[uuid.UUID]*Order
	byUser map[string][]uuid.UUID
}

func NewStore(events *EventBus, log zerolog.Logger) *Store {
	return &Store{
		events: events,
		log:    log.With().Str("component", "orders").Logger(),
		orders: make(map[uuid.UUID]*Order),
		byUser: make(map[string][]uuid.UUID),
	}
}

// Place validates the request, stores a new pending order for userID,
// and emits an order_placed event.
func (s *Store) Place(req OrderRequest, userID string) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}

	order := newOrder(req, userID)

	s.mu.Lock()
	s.orders[order.ID] = order
	s.byUser[userID] = append(s.byUser[userID], order.ID)
	snapshot := *order
	s.mu.Unlock()

	s.log.Info().
		Str("order_id", order.ID.String()).
		Str("user_id", userID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Uint32("quantity", order.Quantity).
		Msg("order placed")

	s.events.Publish(newAdminEvent(EventOrderPlaced, snapshot))
	return snapshot, nil
}

// Get returns a snapshot of one order.
func (s *Store) Get(id uuid.UUID) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

// ListByUser returns snapshots of all orders placed by userID, in
// placement order.
func (s *Store) ListByUser(userID string) []Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byUser[userID]
	orders := make([]Order, 0, len(ids))
	for _, id := range ids {
		if order, ok := s.orders[id]; ok {
			orders = append(orders, *order)
		}
	}
	return orders
}

// Cancel transitions a pending order to cancelled. Only the owner may
// cancel, and only pending orders are cancellable.
func (s *Store) Cancel(id uuid.UUID, userID string) (Order, error) {
	s.mu.Lock()
	order, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		return Order{}, ErrOrderNotFound
	}
	if order.UserID != userID {
		s.mu.Unlock()
		return Order{}, ErrNotOrderOwner
	}
	if order.Status != StatusPending {
		s.mu.Unlock()
		return Order{}, ErrNotCancellable
	}
	order.cancel()
	snapshot := *order
	s.mu.Unlock()

	s.log.Info().
		Str("order_id", id.String()).
		Str("user_id", userID).
		Msg("order cancelled")

	s.events.Publish(newAdminEvent(EventOrderCancelled, snapshot))
	return snapshot, nil
}

// Fill applies an execution to a pending order and emits
// order_partial_fill or order_filled depending on the result.
func (s *Store) Fill(id uuid.UUID, price float64, quantity uint32) (Order, error) {
	if price <= 0 || quantity == 0 {
		return Order{}, ErrInvalidFill
	}

	s.mu.Lock()
	order, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		return Order{}, ErrOrderNotFound
	}
	if order.Status != StatusPending {
		s.mu.Unlock()
		return Order{}, ErrNotFillable
	}
	order.fill(price, quantity)
	snapshot := *order
	s.mu.Unlock()

	eventType := EventOrderPartialFill
	if snapshot.Status == StatusFilled {
		eventType = EventOrderFilled
	}

	s.log.Info().
		Str("order_id", id.String()).
		Float64("price", price).
		Uint32("quantity", quantity).
		Str("status", string(snapshot.Status)).
		Msg("order fill applied")

	s.events.Publish(newAdminEvent(eventType, snapshot))
	return snapshot, nil
}

// Stats reports total orders and users with at least one order.
func (s *Store) Stats() (orders, users int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders), len(s.byUser)
}
