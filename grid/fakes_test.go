package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/market"
	"gridbot/store"
	"gridbot/trader/types"
)

// fakeClient is an in-memory broker whose fills are driven by the test.
type fakeClient struct {
	mu sync.Mutex

	capital    decimal.Decimal
	capitalErr error
	listErr    error
	listPanic  bool
	failSubmit int // number of upcoming submissions to reject

	nextID    int
	submitted []types.LimitOrderRequest
	ids       []string
	orders    map[string]*types.Order
	cancelled []string
}

func newFakeClient(capital string) *fakeClient {
	return &fakeClient{capital: decimal.RequireFromString(capital), orders: make(map[string]*types.Order)}
}

func (c *fakeClient) SubmitLimitOrder(ctx context.Context, req *types.LimitOrderRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSubmit > 0 {
		c.failSubmit--
		return "", errors.New("broker timeout")
	}
	c.nextID++
	id := fmt.Sprintf("ord-%d", c.nextID)
	c.submitted = append(c.submitted, *req)
	c.ids = append(c.ids, id)
	c.orders[id] = &types.Order{
		OrderID:  id,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Status:   types.StatusNew,
		Price:    req.Price,
		Quantity: req.Quantity,
	}
	return id, nil
}

func (c *fakeClient) CancelOrder(ctx context.Context, orderID, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ord, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	c.cancelled = append(c.cancelled, orderID)
	ord.Status = types.StatusCancelled
	return nil
}

func (c *fakeClient) ListOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listPanic {
		panic("decoder exploded")
	}
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := make([]types.Order, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, *c.orders[id])
	}
	return out, nil
}

func (c *fakeClient) GetAvailableCapital(ctx context.Context, accountID string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capital, c.capitalErr
}

// execute marks executed shares of the n-th submitted order (0-based).
func (c *fakeClient) execute(n int, executed int64, avg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ord := c.orders[c.ids[n]]
	ord.ExecutedQuantity = executed
	ord.AveragePrice = decimal.RequireFromString(avg)
	if executed >= ord.Quantity {
		ord.Status = types.StatusFilled
	} else {
		ord.Status = types.StatusPartiallyFilled
	}
}

func (c *fakeClient) setStatus(n int, status types.OrderStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[c.ids[n]].Status = status
}

func (c *fakeClient) submissions() []types.LimitOrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.LimitOrderRequest(nil), c.submitted...)
}

func (c *fakeClient) cancels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

// fakeFeed is a controllable PriceFeed.
type fakeFeed struct {
	mu       sync.Mutex
	name     string
	price    decimal.Decimal
	at       time.Time
	stale    bool
	startErr error
	started  bool
	closed   int
	handlers []market.TickHandler
}

func newFakeFeed(name, price string) *fakeFeed {
	f := &fakeFeed{name: name}
	if price != "" {
		f.price = decimal.RequireFromString(price)
		f.at = time.Now()
	}
	return f
}

func (f *fakeFeed) Name() string { return f.name }

func (f *fakeFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	f.started = true
	f.mu.Unlock()
	f.emit()
	return nil
}

func (f *fakeFeed) Subscribe(topic string, h market.TickHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *fakeFeed) CurrentPrice() (market.Tick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.price.IsPositive() {
		return market.Tick{}, false
	}
	return market.Tick{Symbol: "HPG", Price: f.price, Time: f.at, Source: f.name}, true
}

func (f *fakeFeed) IsStale(maxAge time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale || !f.price.IsPositive()
}

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// set updates the price and delivers it to subscribers.
func (f *fakeFeed) set(price string) {
	f.mu.Lock()
	f.price = decimal.RequireFromString(price)
	f.at = time.Now()
	f.mu.Unlock()
	f.emit()
}

func (f *fakeFeed) emit() {
	tick, ok := f.CurrentPrice()
	if !ok {
		return
	}
	f.mu.Lock()
	handlers := append([]market.TickHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(tick)
	}
}

type memJournal struct {
	mu        sync.Mutex
	trades    []store.GridTrade
	summaries []store.GridSummary
}

func (j *memJournal) RecordTrade(t *store.GridTrade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades = append(j.trades, *t)
	return nil
}

func (j *memJournal) RecordSummary(s *store.GridSummary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.summaries = append(j.summaries, *s)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

// stuckNotifier blocks every Notify until release is closed, whatever ctx says.
type stuckNotifier struct {
	release chan struct{}
}

func (n *stuckNotifier) Notify(ctx context.Context, text string) error {
	<-n.release
	return nil
}
