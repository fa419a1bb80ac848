package market

import (
	"sync"
	"time"
)

// tickCache is the last-price cell, handler registry and history shared by
// both feed variants. Feed goroutines write it; everyone else only reads.
type tickCache struct {
	mu       sync.RWMutex
	last     Tick
	has      bool
	handlers map[string][]TickHandler
	history  *PriceHistory
	now      func() time.Time
}

func (c *tickCache) setup(historySize int) {
	c.handlers = make(map[string][]TickHandler)
	c.history = NewPriceHistory(historySize)
	c.now = time.Now
}

func (c *tickCache) addHandler(topic string, h TickHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = append(c.handlers[topic], h)
}

// publish records t and fans it out. Ticks on topics nobody subscribed to
// are dropped so another symbol cannot overwrite the last price.
func (c *tickCache) publish(topic string, t Tick) {
	c.mu.Lock()
	if len(c.handlers[topic]) == 0 {
		c.mu.Unlock()
		return
	}
	c.last = t
	c.has = true
	handlers := append([]TickHandler(nil), c.handlers[topic]...)
	c.mu.Unlock()

	c.history.Add(PriceSample{Time: t.Time, Price: t.Price})
	for _, h := range handlers {
		h(t)
	}
}

// CurrentPrice returns the last accepted tick.
func (c *tickCache) CurrentPrice() (Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.has
}

// IsStale reports whether no tick arrived within maxAge. A feed that never
// produced a tick is stale.
func (c *tickCache) IsStale(maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return true
	}
	return c.now().Sub(c.last.Time) > maxAge
}

// History exposes the sample ring for volatility and trend queries.
func (c *tickCache) History() *PriceHistory { return c.history }
