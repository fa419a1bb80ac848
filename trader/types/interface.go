package types

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the broker-reported lifecycle of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the order can no longer execute.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// LimitOrderRequest represents a limit order request for grid trading
type LimitOrderRequest struct {
	AccountID     string
	Symbol        string
	Side          OrderSide
	Quantity      int64
	Price         decimal.Decimal
	LoanPackageID *int64 // margin package, nil for cash orders
	ClientID      string
}

// Order is a broker order snapshot as returned by ListOrders.
type Order struct {
	OrderID          string
	ClientID         string
	Symbol           string
	Side             OrderSide
	Status           OrderStatus
	Price            decimal.Decimal
	Quantity         int64
	ExecutedQuantity int64
	AveragePrice     decimal.Decimal // average execution price, zero when nothing executed
	UpdatedAt        time.Time
}

// TradingClient is the broker capability set the grid engine consumes.
// Implementations serialize access to the underlying session themselves.
type TradingClient interface {
	// SubmitLimitOrder places a limit order and returns the broker order id
	SubmitLimitOrder(ctx context.Context, req *LimitOrderRequest) (string, error)

	// CancelOrder cancels a working order
	CancelOrder(ctx context.Context, orderID, accountID string) error

	// ListOrders returns the account's orders for the current session
	ListOrders(ctx context.Context, accountID string) ([]Order, error)

	// GetAvailableCapital returns buying power for the account
	GetAvailableCapital(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// PricePoller backs the polling price feed.
type PricePoller interface {
	PollPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
