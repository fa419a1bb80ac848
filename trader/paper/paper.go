// Package paper is an in-memory broker for dry runs. Orders never leave the
// process; limit orders execute in full once the simulated market price
// crosses them.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/logger"
	"gridbot/market"
	"gridbot/trader/types"
)

// ErrNoPrice is returned by PollPrice before any price was seen for a symbol.
var ErrNoPrice = errors.New("paper: no price for symbol")

// Broker simulates one cash account.
type Broker struct {
	mu       sync.Mutex
	cash     decimal.Decimal // free cash, BUY reservations already deducted
	holdings map[string]int64
	reserved map[string]int64 // shares committed to working SELLs
	prices   map[string]decimal.Decimal
	orders   map[string]*types.Order
	sequence []string
	now      func() time.Time
}

// New creates a broker funded with capital.
func New(capital decimal.Decimal) *Broker {
	return &Broker{
		cash:     capital,
		holdings: make(map[string]int64),
		reserved: make(map[string]int64),
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*types.Order),
		now:      time.Now,
	}
}

func (b *Broker) SubmitLimitOrder(ctx context.Context, req *types.LimitOrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("paper: quantity must be positive, got %d", req.Quantity)
	}
	if !req.Price.IsPositive() {
		return "", fmt.Errorf("paper: price must be positive, got %s", req.Price)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Side {
	case types.SideBuy:
		cost := req.Price.Mul(decimal.NewFromInt(req.Quantity))
		if cost.GreaterThan(b.cash) {
			return "", fmt.Errorf("paper: insufficient buying power: need %s, have %s", cost, b.cash)
		}
		b.cash = b.cash.Sub(cost)
	case types.SideSell:
		free := b.holdings[req.Symbol] - b.reserved[req.Symbol]
		if req.Quantity > free {
			return "", fmt.Errorf("paper: insufficient shares of %s: need %d, have %d", req.Symbol, req.Quantity, free)
		}
		b.reserved[req.Symbol] += req.Quantity
	default:
		return "", fmt.Errorf("paper: unknown side %q", req.Side)
	}

	id := uuid.NewString()
	ord := &types.Order{
		OrderID:   id,
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Status:    types.StatusNew,
		Price:     req.Price,
		Quantity:  req.Quantity,
		UpdatedAt: b.now(),
	}
	b.orders[id] = ord
	b.sequence = append(b.sequence, id)

	if px, ok := b.prices[req.Symbol]; ok {
		b.match(ord, px)
	}
	return id, nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID, accountID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ord, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	if ord.Status.Terminal() {
		return fmt.Errorf("paper: order %s already %s", orderID, ord.Status)
	}
	b.release(ord)
	ord.Status = types.StatusCancelled
	ord.UpdatedAt = b.now()
	return nil
}

func (b *Broker) ListOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.Order, 0, len(b.sequence))
	for _, id := range b.sequence {
		out = append(out, *b.orders[id])
	}
	return out, nil
}

func (b *Broker) GetAvailableCapital(ctx context.Context, accountID string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash, nil
}

// PollPrice returns the last simulated price for symbol.
func (b *Broker) PollPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	px, ok := b.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w %s", ErrNoPrice, symbol)
	}
	return px, nil
}

// Holdings returns settled shares of symbol.
func (b *Broker) Holdings(symbol string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holdings[symbol]
}

// SetMarketPrice moves the simulated market and executes crossed orders.
func (b *Broker) SetMarketPrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prices[symbol] = price
	for _, id := range b.sequence {
		ord := b.orders[id]
		if ord.Symbol == symbol && !ord.Status.Terminal() {
			b.match(ord, price)
		}
	}
}

// OnTick lets a live price feed drive the simulated market.
func (b *Broker) OnTick(t market.Tick) {
	b.SetMarketPrice(t.Symbol, t.Price)
}

// StartRandomWalk moves symbol's price every interval by a normally
// distributed return with the given standard deviation, until ctx is done.
func (b *Broker) StartRandomWalk(ctx context.Context, symbol string, start decimal.Decimal, interval time.Duration, volatility float64) {
	b.SetMarketPrice(symbol, start)
	log := logger.Component("paper")
	log.Infof("🎲 [Paper] Random walk for %s from %s every %v (σ=%.4f)", symbol, start, interval, volatility)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				px, err := b.PollPrice(ctx, symbol)
				if err != nil {
					continue
				}
				next := px.Mul(decimal.NewFromFloat(1 + rand.NormFloat64()*volatility)).Round(0)
				if next.LessThan(decimal.NewFromInt(1)) {
					next = decimal.NewFromInt(1)
				}
				b.SetMarketPrice(symbol, next)
				log.Debugf("[Paper] %s -> %s", symbol, next)
			}
		}
	}()
}

// match executes ord in full at its limit once px crosses it. Callers hold mu.
func (b *Broker) match(ord *types.Order, px decimal.Decimal) {
	crossed := (ord.Side == types.SideBuy && px.LessThanOrEqual(ord.Price)) ||
		(ord.Side == types.SideSell && px.GreaterThanOrEqual(ord.Price))
	if !crossed {
		return
	}
	qty := ord.Quantity - ord.ExecutedQuantity
	switch ord.Side {
	case types.SideBuy:
		b.holdings[ord.Symbol] += qty
	case types.SideSell:
		b.holdings[ord.Symbol] -= qty
		b.reserved[ord.Symbol] -= qty
		b.cash = b.cash.Add(ord.Price.Mul(decimal.NewFromInt(qty)))
	}
	ord.ExecutedQuantity = ord.Quantity
	ord.AveragePrice = ord.Price
	ord.Status = types.StatusFilled
	ord.UpdatedAt = b.now()
}

// release returns the unexecuted reservation of ord. Callers hold mu.
func (b *Broker) release(ord *types.Order) {
	rest := ord.Quantity - ord.ExecutedQuantity
	switch ord.Side {
	case types.SideBuy:
		b.cash = b.cash.Add(ord.Price.Mul(decimal.NewFromInt(rest)))
	case types.SideSell:
		b.reserved[ord.Symbol] -= rest
	}
}
