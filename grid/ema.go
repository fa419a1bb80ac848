package grid

import "github.com/shopspring/decimal"

// EMA is a single exponential moving average series.
type EMA struct {
	alpha  decimal.Decimal
	value  decimal.Decimal
	seeded bool
}

// NewEMA returns an EMA with alpha = 2/(span+1).
func NewEMA(span int) *EMA {
	if span < 1 {
		span = 1
	}
	return &EMA{alpha: decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(span + 1)))}
}

// Update folds price into the average. The first price seeds the series.
func (e *EMA) Update(price decimal.Decimal) decimal.Decimal {
	if !e.seeded {
		e.value = price
		e.seeded = true
		return e.value
	}
	e.value = price.Mul(e.alpha).Add(e.value.Mul(one.Sub(e.alpha)))
	return e.value
}

func (e *EMA) Value() (decimal.Decimal, bool) { return e.value, e.seeded }

// EMASmoother tracks a fast and a slow EMA over the same price stream.
// Not safe for concurrent use; callers guard it.
type EMASmoother struct {
	Fast *EMA
	Slow *EMA
}

func NewEMASmoother(fastSpan, slowSpan int) *EMASmoother {
	return &EMASmoother{Fast: NewEMA(fastSpan), Slow: NewEMA(slowSpan)}
}

func (s *EMASmoother) Update(price decimal.Decimal) (fast, slow decimal.Decimal) {
	return s.Fast.Update(price), s.Slow.Update(price)
}

// Values returns the current fast and slow averages, zero before the first price.
func (s *EMASmoother) Values() (fast, slow decimal.Decimal) {
	fast, _ = s.Fast.Value()
	slow, _ = s.Slow.Value()
	return fast, slow
}
