package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one accepted price observation.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
	Source string
}

// TickHandler receives ticks from a feed goroutine. Handlers must not block.
type TickHandler func(Tick)

// PriceFeed is implemented by StreamingFeed and PollingFeed.
type PriceFeed interface {
	Name() string
	Start(ctx context.Context) error
	Subscribe(topic string, handler TickHandler)
	CurrentPrice() (Tick, bool)
	IsStale(maxAge time.Duration) bool
	Close() error
}

// TickTopic is the round-lot tick topic for a symbol.
func TickTopic(symbol string) string {
	return "plaintext/quotes/krx/mdds/tick/v1/roundlot/symbol/" + symbol
}

// Best picks a price from feeds in preference order: the first fresh feed
// wins; otherwise the most recent tick of any feed is returned with fresh=false.
func Best(maxAge time.Duration, feeds ...PriceFeed) (tick Tick, fresh bool, ok bool) {
	for _, f := range feeds {
		if f == nil {
			continue
		}
		t, has := f.CurrentPrice()
		if !has {
			continue
		}
		if !f.IsStale(maxAge) {
			return t, true, true
		}
		if !ok || t.Time.After(tick.Time) {
			tick, ok = t, true
		}
	}
	return tick, false, ok
}
