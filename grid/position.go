package grid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/trader/types"
)

// GridPosition is the fill ledger for one symbol. Only the control loop mutates it.
type GridPosition struct {
	Symbol        string          `json:"symbol"`
	TotalQuantity int64           `json:"total_quantity"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

func NewGridPosition(symbol string) *GridPosition {
	return &GridPosition{Symbol: symbol}
}

// ApplyFill books an execution. A SELL larger than the held quantity is
// rejected with *DataIntegrityError and the position is left unchanged.
func (p *GridPosition) ApplyFill(qty int64, price decimal.Decimal, side types.OrderSide) error {
	if qty <= 0 {
		return &DataIntegrityError{Symbol: p.Symbol, Detail: fmt.Sprintf("non-positive fill quantity %d", qty)}
	}
	q := decimal.NewFromInt(qty)

	switch side {
	case types.SideBuy:
		p.TotalCost = p.TotalCost.Add(q.Mul(price))
		p.TotalQuantity += qty
		p.AveragePrice = p.TotalCost.Div(decimal.NewFromInt(p.TotalQuantity))
	case types.SideSell:
		if qty > p.TotalQuantity {
			return &DataIntegrityError{
				Symbol: p.Symbol,
				Detail: fmt.Sprintf("sell fill of %d exceeds held quantity %d", qty, p.TotalQuantity),
			}
		}
		p.RealizedPnL = p.RealizedPnL.Add(price.Sub(p.AveragePrice).Mul(q))
		p.TotalQuantity -= qty
		if p.TotalQuantity == 0 {
			p.TotalCost = decimal.Zero
			p.AveragePrice = decimal.Zero
			p.UnrealizedPnL = decimal.Zero
		} else {
			p.TotalCost = p.AveragePrice.Mul(decimal.NewFromInt(p.TotalQuantity))
		}
	default:
		return &DataIntegrityError{Symbol: p.Symbol, Detail: fmt.Sprintf("unknown fill side %q", side)}
	}
	return nil
}

// MarkToMarket refreshes the derived unrealized PnL.
func (p *GridPosition) MarkToMarket(lastPrice decimal.Decimal) {
	if p.TotalQuantity == 0 || !lastPrice.IsPositive() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = lastPrice.Sub(p.AveragePrice).Mul(decimal.NewFromInt(p.TotalQuantity))
}

// TotalPnL is realized plus unrealized.
func (p *GridPosition) TotalPnL() decimal.Decimal {
	return p.RealizedPnL.Add(p.UnrealizedPnL)
}

// MarketValue values the held quantity at price.
func (p *GridPosition) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.TotalQuantity))
}

// Snapshot returns a copy safe to hand to other goroutines.
func (p *GridPosition) Snapshot() GridPosition {
	return *p
}
