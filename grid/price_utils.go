package grid

import "github.com/shopspring/decimal"

var one = decimal.NewFromInt(1)

// RoundPrice rounds half-up to precision decimal places (0 = whole units).
func RoundPrice(price decimal.Decimal, precision int32) decimal.Decimal {
	return price.Round(precision)
}

// NextLadderPrice returns the next rung below ref.
func NextLadderPrice(ref, spacingPct decimal.Decimal, precision int32) decimal.Decimal {
	return RoundPrice(ref.Mul(one.Sub(spacingPct)), precision)
}

// LadderPrices applies NextLadderPrice n times starting at ref. Each rung is
// derived from the previous rounded rung. The ladder ends early once rounding
// stops moving the price down, so rungs are always strictly decreasing.
func LadderPrices(ref, spacingPct decimal.Decimal, n int, precision int32) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, n)
	prev := ref
	for i := 0; i < n; i++ {
		price := NextLadderPrice(prev, spacingPct, precision)
		if !price.IsPositive() || !price.LessThan(prev) {
			break
		}
		prices = append(prices, price)
		prev = price
	}
	return prices
}

// QtyPctForLevel scales the initial quantity fraction by ddownFactor^levelIndex.
func QtyPctForLevel(initialQtyPct, ddownFactor decimal.Decimal, levelIndex int) decimal.Decimal {
	pct := initialQtyPct
	for i := 0; i < levelIndex; i++ {
		pct = pct.Mul(ddownFactor)
	}
	return pct
}

// SizeForLevel converts a capital fraction into a whole-lot share quantity.
// Returns 0 when the order value is below minOrderValue.
func SizeForLevel(capital, price, qtyPct, minOrderValue decimal.Decimal, lotSize int64) int64 {
	if !price.IsPositive() {
		return 0
	}
	orderValue := capital.Mul(qtyPct)
	if orderValue.LessThan(minOrderValue) {
		return 0
	}
	qty := orderValue.Div(price).Floor().IntPart()
	if lotSize <= 1 {
		return qty
	}
	return qty - qty%lotSize
}

// TakeProfitMarkup widens the markup band as the position approaches maxPosition.
func TakeProfitMarkup(minMarkupPct, markupRangePct decimal.Decimal, totalQty, maxPosition int64) decimal.Decimal {
	fill := decimal.Zero
	if maxPosition > 0 {
		fill = decimal.NewFromInt(totalQty).Div(decimal.NewFromInt(maxPosition))
	}
	markup := minMarkupPct.Add(markupRangePct.Mul(fill))
	if markup.IsNegative() {
		return decimal.Zero
	}
	if markup.GreaterThan(one) {
		return one
	}
	return markup
}

// TakeProfitPrice applies markup to a fill price.
func TakeProfitPrice(fillPrice, markup decimal.Decimal, precision int32) decimal.Decimal {
	return RoundPrice(fillPrice.Mul(one.Add(markup)), precision)
}
