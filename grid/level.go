package grid

import (
	"time"

	"github.com/shopspring/decimal"

	"gridbot/trader/types"
)

// TakeProfitIndex marks a level as a take-profit leg rather than a ladder rung.
const TakeProfitIndex = -1

// GridLevel is one working order tracked by the orchestrator.
type GridLevel struct {
	Price     decimal.Decimal
	Quantity  int64
	Side      types.OrderSide
	OrderID   string
	Index     int
	CreatedAt time.Time

	Filled   bool
	FilledAt time.Time

	// Execution already applied to the position, used to turn repeated
	// order snapshots into fill deltas.
	FilledQuantity int64
	FilledNotional decimal.Decimal

	// Quarantined levels disagreed with the local position and are no longer reconciled.
	Quarantined bool
	// Closed levels were cancelled, rejected or expired by the broker.
	Closed bool
}

func (l *GridLevel) IsTakeProfit() bool { return l.Index == TakeProfitIndex }

// Active reports whether the level still counts as a working order on the ladder.
func (l *GridLevel) Active() bool {
	return !l.Filled && !l.Closed && !l.Quarantined
}

// Remaining is the unexecuted quantity.
func (l *GridLevel) Remaining() int64 {
	return l.Quantity - l.FilledQuantity
}
