// Package trading implements the in-memory order lifecycle and the
// admin event feed fed by it.
package trading

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderType string

const (
	TypeMarket   OrderType = "market"
	TypeLimit    OrderType = "limit"
	TypeStopLoss OrderType = "stop_loss"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

var (
	ErrEmptySymbol      = errors.New("symbol cannot be empty")
	ErrInvalidSide      = errors.New("side must be buy or sell")
	ErrInvalidOrderType = errors.New("order type must be market, limit or stop_loss")
	ErrZeroQuantity     = errors.New("quantity must be greater than 0")
	ErrLimitNeedsPrice  = errors.New("price is required and must be positive for limit orders")
	ErrStopNeedsPrice   = errors.New("stop price is required and must be positive for stop loss orders")
	ErrNegativePrice    = errors.New("price must be positive")
	ErrOrderNotFound    = errors.New("order not found")
	ErrNotOrderOwner    = errors.New("you can only cancel your own orders")
	ErrNotCancellable   = errors.New("order cannot be cancelled in current status")
	ErrNotFillable      = errors.New("order cannot be filled in current status")
	ErrInvalidFill      = errors.New("fill price and quantity must be positive")
)

// OrderRequest is the client-supplied order payload.
type OrderRequest struct {
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	OrderType OrderType `json:"order_type"`
	Quantity  uint32    `json:"quantity"`
	Price     *float64  `json:"price,omitempty"`
	StopPrice *float64  `json:"stop_price,omitempty"`
}

func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return ErrEmptySymbol
	}
	if r.Quantity == 0 {
		return ErrZeroQuantity
	}

	switch r.Side {
	case SideBuy, SideSell:
	default:
		return ErrInvalidSide
	}

	switch r.OrderType {
	case TypeMarket:
	case TypeLimit:
		if r.Price == nil || *r.Price <= 0 {
			return ErrLimitNeedsPrice
		}
	case TypeStopLoss:
		if r.StopPrice == nil || *r.StopPrice <= 0 {
			return ErrStopNeedsPrice
		}
	default:
		return ErrInvalidOrderType
	}

	if r.Price != nil && *r.Price <= 0 {
		return ErrNegativePrice
	}
	if r.StopPrice != nil && *r.StopPrice <= 0 {
		return ErrNegativePrice
	}
	return nil
}

// Order is a placed order. Symbol is stored upper-cased.
type Order struct {
	ID             uuid.UUID   `json:"id"`
	UserID         string      `json:"user_id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	OrderType      OrderType   `json:"order_type"`
	Quantity       uint32      `json:"quantity"`
	Price          *float64    `json:"price"`
	StopPrice      *float64    `json:"stop_price"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	FilledQuantity uint32      `json:"filled_quantity"`
	AveragePrice   *float64    `json:"average_price"`
}

func newOrder(req OrderRequest, userID string) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:        uuid.New(),
		UserID:    userID,
		Symbol:    strings.ToUpper(req.Symbol),
		Side:      req.Side,
		OrderType: req.OrderType,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (o *Order) cancel() {
	o.Status = StatusCancelled
	o.UpdatedAt = time.Now().UTC()
}

// fill applies a fill, capping filled quantity at the order quantity
// and promoting to filled once fully executed.
func (o *Order) fill(price float64, quantity uint32) {
	o.FilledQuantity += quantity
	if o.FilledQuantity > o.Quantity {
		o.FilledQuantity = o.Quantity
	}
	o.AveragePrice = &price
	if o.FilledQuantity >= o.Quantity {
		o.Status = StatusFilled
	}
	o.UpdatedAt = time.Now().UTC()
}

// RemainingQuantity is the unfilled part of the order, never negative.
func (o *Order) RemainingQuantity() uint32 {
	if o.FilledQuantity >= o.Quantity {
		return 0
	}
	return o.Quantity - o.FilledQuantity
}
