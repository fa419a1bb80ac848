package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gridbot/logger"
	"gridbot/market"
	"gridbot/metrics"
	"gridbot/notify"
	"gridbot/store"
	"gridbot/trader/types"
)

// State is the orchestrator lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options tune the control loop.
type Options struct {
	Interval      time.Duration // pause between ticks
	ErrorBackoff  time.Duration // pause after a failed tick
	StaleAfter    time.Duration // feed age after which the price is stale
	CallTimeout   time.Duration // bound for every broker call
	OrderPacing   time.Duration // pause after each order submission
	PollAlongside bool          // run the polling feed even when streaming works
}

// SetDefaults fills unset durations. OrderPacing stays zero unless set.
func (o *Options) SetDefaults() {
	if o.Interval == 0 {
		o.Interval = 5 * time.Second
	}
	if o.ErrorBackoff == 0 {
		o.ErrorBackoff = 10 * time.Second
	}
	if o.StaleAfter == 0 {
		o.StaleAfter = 30 * time.Second
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 10 * time.Second
	}
}

// Journal persists fills and the final run summary.
type Journal interface {
	RecordTrade(t *store.GridTrade) error
	RecordSummary(s *store.GridSummary) error
}

// Deps are the collaborators the orchestrator drives. Client is required;
// at least one of Stream and Poll must be set.
type Deps struct {
	Client   types.TradingClient
	Stream   market.PriceFeed
	Poll     market.PriceFeed
	Poller   types.PricePoller // direct price query when no feed has a price yet
	Journal  Journal
	Notifier notify.Notifier
}

// Status is a point-in-time view of the strategy, safe to share.
type Status struct {
	Active           bool            `json:"active"`
	State            string          `json:"state"`
	RunID            string          `json:"run_id"`
	Symbol           string          `json:"symbol"`
	Position         GridPosition    `json:"position"`
	ActiveBuyOrders  int             `json:"active_buy_orders"`
	ActiveSellOrders int             `json:"active_sell_orders"`
	Quarantined      int             `json:"quarantined"`
	TotalTrades      int             `json:"total_trades"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	EMAFast          decimal.Decimal `json:"ema_fast"`
	EMASlow          decimal.Decimal `json:"ema_slow"`
	Trend            market.Trend    `json:"trend"`
	Volatility       float64         `json:"volatility"`
	Capital          decimal.Decimal `json:"capital"`
	ROIPct           decimal.Decimal `json:"roi_pct"`
	StopReason       string          `json:"stop_reason,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// sample windows for the informational trend and volatility in Status
const (
	trendWindow      = 100
	volatilityWindow = 20
)

type pendingTakeProfit struct {
	qty       int64
	fillPrice decimal.Decimal
}

// Orchestrator runs one recursive grid strategy instance.
//
// Position, levels and the other loop-owned fields are only touched while
// loopMu is held: by Initialize, by Run for its whole lifetime and by shutdown.
// Feed goroutines only write the price cell under priceMu.
type Orchestrator struct {
	cfg  *GridConfig
	opts Options
	deps Deps
	risk *RiskManager
	log  *logrus.Entry
	now  func() time.Time

	runID string
	state atomic.Int32

	loopMu       sync.Mutex
	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once

	priceMu  sync.Mutex
	lastTick market.Tick
	hasTick  bool
	ema      *EMASmoother
	history  *market.PriceHistory

	// loop-owned
	position       *GridPosition
	levels         []*GridLevel
	unhedged       []pendingTakeProfit
	totalTrades    int
	capital        decimal.Decimal
	referencePrice decimal.Decimal
	currentPrice   decimal.Decimal
	streamUp       bool
	pollUp         bool
	pollSubscribed bool
	startedAt      time.Time
	stopReason     string

	snapshot atomic.Pointer[Status]
}

// New creates an orchestrator. Nothing is validated or connected until Initialize.
func New(cfg *GridConfig, deps Deps, opts Options) *Orchestrator {
	opts.SetDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	o := &Orchestrator{
		cfg:     cfg,
		opts:    opts,
		deps:    deps,
		now:     time.Now,
		runID:   uuid.NewString(),
		stopCh:  make(chan struct{}),
		history: market.NewPriceHistory(market.DefaultHistorySize),
		log:     logger.WithField("symbol", cfg.Symbol),
	}
	o.setState(StateUninitialized)
	return o
}

func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	metrics.State.WithLabelValues(o.cfg.Symbol).Set(float64(s))
}

func (o *Orchestrator) RunID() string { return o.runID }

// Initialize validates the config, connects feeds, fetches capital, records
// the reference price and places the initial ladder. Any failure leaves the
// orchestrator Stopped.
func (o *Orchestrator) Initialize(ctx context.Context) (err error) {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()

	if st := o.State(); st != StateUninitialized {
		return fmt.Errorf("grid: cannot initialize in state %s", st)
	}
	o.setState(StateInitializing)

	defer func() {
		if err != nil {
			o.closeFeeds()
			o.setState(StateStopped)
			o.publish()
			o.log.Errorf("❌ [Grid] Initialization failed: %v", err)
		}
	}()

	o.cfg.SetDefaults()
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	if o.deps.Client == nil {
		return errors.New("grid: trading client is required")
	}
	o.risk = NewRiskManager(o.cfg)
	o.position = NewGridPosition(o.cfg.Symbol)
	if o.cfg.UseEMA {
		o.ema = NewEMASmoother(o.cfg.EMAFastSpan, o.cfg.EMASlowSpan)
	}

	if err := o.startFeeds(ctx); err != nil {
		return err
	}

	callCtx, cancel := o.callContext(ctx)
	capital, err := o.deps.Client.GetAvailableCapital(callCtx, o.cfg.AccountID)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch available capital: %w", err)
	}
	if !capital.IsPositive() {
		return fmt.Errorf("no available capital on account %s", o.cfg.AccountID)
	}
	o.capital = capital

	ref, err := o.initialReferencePrice(ctx)
	if err != nil {
		return err
	}
	o.referencePrice = ref
	o.currentPrice = ref
	o.startedAt = o.now()

	if o.stopRequested() {
		return errors.New("stop requested during initialization")
	}
	o.setState(StateActive)
	o.log.Infof("🚀 [Grid] Initialized %s: capital %s, reference price %s, %d levels at %s spacing",
		o.cfg.Symbol, o.capital, o.referencePrice, o.cfg.GridLevels, o.cfg.GridSpacingPct)

	o.placeInitialLadder(ctx)
	o.publish()
	return nil
}

func (o *Orchestrator) startFeeds(ctx context.Context) error {
	topic := market.TickTopic(o.cfg.Symbol)
	if o.deps.Stream != nil {
		o.deps.Stream.Subscribe(topic, o.onTick)
		if err := o.deps.Stream.Start(ctx); err != nil {
			o.log.Warnf("⚠️  [Grid] Price stream unavailable, falling back to polling: %v", err)
		} else {
			o.streamUp = true
		}
	}
	if o.deps.Poll != nil && (!o.streamUp || o.opts.PollAlongside) {
		if err := o.startPoll(ctx); err != nil {
			if !o.streamUp {
				return fmt.Errorf("price feed unavailable: %w", err)
			}
			o.log.Warnf("⚠️  [Grid] Polling safety net unavailable: %v", err)
		}
	}
	if !o.streamUp && !o.pollUp {
		return errors.New("price feed unavailable: no stream or polling feed configured")
	}
	return nil
}

// startPoll brings up the polling feed. The handler is registered once,
// ahead of the first Start so its immediate poll reaches onTick, and is
// reused on every later retry.
func (o *Orchestrator) startPoll(ctx context.Context) error {
	if !o.pollSubscribed {
		o.deps.Poll.Subscribe(market.TickTopic(o.cfg.Symbol), o.onTick)
		o.pollSubscribed = true
	}
	if err := o.deps.Poll.Start(ctx); err != nil {
		return err
	}
	o.pollUp = true
	return nil
}

func (o *Orchestrator) activeFeeds() []market.PriceFeed {
	feeds := make([]market.PriceFeed, 0, 2)
	if o.streamUp {
		feeds = append(feeds, o.deps.Stream)
	}
	if o.pollUp {
		feeds = append(feeds, o.deps.Poll)
	}
	return feeds
}

func (o *Orchestrator) closeFeeds() {
	for _, f := range []market.PriceFeed{o.deps.Stream, o.deps.Poll} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			o.log.Warnf("⚠️  [Grid] Closing %s feed: %v", f.Name(), err)
		}
	}
	o.streamUp, o.pollUp = false, false
}

func (o *Orchestrator) initialReferencePrice(ctx context.Context) (decimal.Decimal, error) {
	if tick, _, ok := market.Best(o.opts.StaleAfter, o.activeFeeds()...); ok {
		return tick.Price, nil
	}
	if o.deps.Poller != nil {
		callCtx, cancel := o.callContext(ctx)
		defer cancel()
		price, err := o.deps.Poller.PollPrice(callCtx, o.cfg.Symbol)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fetch reference price: %w", err)
		}
		if price.IsPositive() {
			return price, nil
		}
	}
	return decimal.Zero, errors.New("no reference price available")
}

// onTick runs on feed goroutines. It only touches the price cell.
func (o *Orchestrator) onTick(t market.Tick) {
	if !t.Price.IsPositive() {
		return
	}
	o.priceMu.Lock()
	defer o.priceMu.Unlock()
	if o.hasTick && !t.Time.After(o.lastTick.Time) {
		return
	}
	o.lastTick = t
	o.hasTick = true
	if o.ema != nil {
		o.ema.Update(t.Price)
	}
	o.history.Add(market.PriceSample{Time: t.Time, Price: t.Price})
	metrics.LastPrice.WithLabelValues(o.cfg.Symbol).Set(t.Price.InexactFloat64())
}

func (o *Orchestrator) emaValues() (fast, slow decimal.Decimal) {
	o.priceMu.Lock()
	defer o.priceMu.Unlock()
	if o.ema == nil {
		return decimal.Zero, decimal.Zero
	}
	return o.ema.Values()
}

// Run drives the control loop until a stop condition, Stop or ctx
// cancellation, then shuts down. It returns ErrNotActive unless Initialize
// succeeded.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()

	if o.State() != StateActive {
		return ErrNotActive
	}
	defer o.shutdownOnce.Do(o.shutdown)

	o.log.Infof("🔄 [Grid] Control loop started (interval %v)", o.opts.Interval)
	for {
		if o.stopRequested() {
			return nil
		}
		if ctx.Err() != nil {
			o.beginStop("context cancelled")
			return nil
		}

		wait := o.opts.Interval
		if err := o.safeTick(ctx); err != nil {
			metrics.TickErrors.WithLabelValues(o.cfg.Symbol).Inc()
			o.log.Errorf("❌ [Grid] Tick failed, backing off %v: %v", o.opts.ErrorBackoff, err)
			wait = o.opts.ErrorBackoff
		}
		if o.State() == StateStopping {
			return nil
		}

		select {
		case <-ctx.Done():
		case <-o.stopCh:
		case <-time.After(wait):
		}
	}
}

// Stop requests a graceful shutdown and blocks until it completed. Safe to
// call any number of times from any goroutine.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	o.shutdownOnce.Do(o.shutdown)
}

func (o *Orchestrator) stopRequested() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// Status returns the snapshot published by the last tick, with live EMA values.
func (o *Orchestrator) Status() Status {
	var st Status
	if s := o.snapshot.Load(); s != nil {
		st = *s
	} else {
		st = Status{RunID: o.runID, Symbol: o.cfg.Symbol}
	}
	state := o.State()
	st.State = state.String()
	st.Active = state == StateActive
	st.EMAFast, st.EMASlow = o.emaValues()
	st.Trend = o.history.Trend(trendWindow)
	st.Volatility = o.history.Volatility(volatilityWindow)
	return st
}

// publish stores a snapshot of loop-owned state. Callers hold loopMu.
func (o *Orchestrator) publish() {
	st := &Status{
		RunID:        o.runID,
		Symbol:       o.cfg.Symbol,
		TotalTrades:  o.totalTrades,
		CurrentPrice: o.currentPrice,
		Capital:      o.capital,
		StopReason:   o.stopReason,
		StartedAt:    o.startedAt,
		UpdatedAt:    o.now(),
	}
	if o.position != nil {
		st.Position = o.position.Snapshot()
		st.ROIPct = o.roiPct()
	}
	for _, l := range o.levels {
		switch {
		case l.Quarantined:
			st.Quarantined++
		case !l.Active():
		case l.Side == types.SideBuy:
			st.ActiveBuyOrders++
		default:
			st.ActiveSellOrders++
		}
	}
	o.snapshot.Store(st)

	sym := o.cfg.Symbol
	metrics.ActiveLevels.WithLabelValues(sym, string(types.SideBuy)).Set(float64(st.ActiveBuyOrders))
	metrics.ActiveLevels.WithLabelValues(sym, string(types.SideSell)).Set(float64(st.ActiveSellOrders))
	metrics.PositionQuantity.WithLabelValues(sym).Set(float64(st.Position.TotalQuantity))
	metrics.AveragePrice.WithLabelValues(sym).Set(st.Position.AveragePrice.InexactFloat64())
	metrics.PnL.WithLabelValues(sym, "realized").Set(st.Position.RealizedPnL.InexactFloat64())
	metrics.PnL.WithLabelValues(sym, "unrealized").Set(st.Position.UnrealizedPnL.InexactFloat64())
}

func (o *Orchestrator) roiPct() decimal.Decimal {
	if !o.capital.IsPositive() {
		return decimal.Zero
	}
	return o.position.TotalPnL().Div(o.capital).Mul(decimal.NewFromInt(100))
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.opts.CallTimeout)
}

// alert notifies operators without letting a notifier failure matter. It
// runs under loopMu, so it gives up after CallTimeout even if the notifier
// ignores its context.
func (o *Orchestrator) alert(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.CallTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.deps.Notifier.Notify(ctx, text) }()
	select {
	case err := <-done:
		if err != nil {
			o.log.Warnf("⚠️  [Grid] Notification failed: %v", err)
		}
	case <-ctx.Done():
		o.log.Warnf("⚠️  [Grid] Notification abandoned: %v", ctx.Err())
	}
}
