package grid

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"gridbot/market"
	"gridbot/metrics"
	"gridbot/trader/types"
)

// OrchestratorTestSuite drives the orchestrator tick by tick against fakes.
type OrchestratorTestSuite struct {
	suite.Suite

	ctx      context.Context
	cfg      *GridConfig
	client   *fakeClient
	stream   *fakeFeed
	poll     *fakeFeed
	journal  *memJournal
	notifier *recordingNotifier
	orch     *Orchestrator
}

// scenarioConfig lays 9000/8100/7290 below a 10,000 reference with sizes 100/200/500.
func scenarioConfig() *GridConfig {
	cfg := DefaultGridConfig()
	cfg.AccountID = "0001000115"
	cfg.GridLevels = 3
	cfg.GridSpacingPct = d("0.10")
	cfg.GridSpanPct = decimal.Zero
	cfg.InitialQtyPct = d("0.10")
	cfg.DdownFactor = d("2")
	cfg.MaxPositionSize = 1000
	cfg.MinMarkupPct = d("0.005")
	cfg.MarkupRangePct = d("0.015")
	cfg.WalletExposureLimitPct = d("0.50")
	cfg.MaxDrawdownPct = d("0.10")
	cfg.MinOrderValue = d("100000")
	cfg.LotSize = 100
	cfg.ReplenishThreshold = 3
	return cfg
}

func (s *OrchestratorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = scenarioConfig()
	s.client = newFakeClient("10000000")
	s.stream = newFakeFeed("stream", "10000")
	s.poll = newFakeFeed("poll", "10000")
	s.journal = &memJournal{}
	s.notifier = &recordingNotifier{}
	s.orch = s.build(Options{})
}

func (s *OrchestratorTestSuite) build(opts Options) *Orchestrator {
	return New(s.cfg, Deps{
		Client:   s.client,
		Stream:   s.stream,
		Poll:     s.poll,
		Journal:  s.journal,
		Notifier: s.notifier,
	}, opts)
}

func (s *OrchestratorTestSuite) tick() {
	s.Require().NoError(s.orch.safeTick(s.ctx))
}

func (s *OrchestratorTestSuite) assertOrder(req types.LimitOrderRequest, side types.OrderSide, qty int64, price string) {
	s.Equal(side, req.Side)
	s.Equal(qty, req.Quantity)
	s.True(req.Price.Equal(d(price)), "expected price %s, got %s", price, req.Price)
}

func (s *OrchestratorTestSuite) TestInitialLadder() {
	s.Require().NoError(s.orch.Initialize(s.ctx))

	subs := s.client.submissions()
	s.Require().Len(subs, 3)
	s.assertOrder(subs[0], types.SideBuy, 100, "9000")
	s.assertOrder(subs[1], types.SideBuy, 200, "8100")
	s.assertOrder(subs[2], types.SideBuy, 500, "7290")
	s.Equal("0001000115", subs[0].AccountID)
	s.True(strings.HasPrefix(subs[0].ClientID, "grid-0-"))
	s.Nil(subs[0].LoanPackageID)

	st := s.orch.Status()
	s.True(st.Active)
	s.Equal("ACTIVE", st.State)
	s.Equal(3, st.ActiveBuyOrders)
	s.Equal(0, st.ActiveSellOrders)
	s.True(st.Capital.Equal(d("10000000")))
	s.True(st.CurrentPrice.Equal(d("10000")))
	s.False(s.poll.started, "polling must stay idle while the stream is healthy")
}

func (s *OrchestratorTestSuite) TestInitializeTwiceFails() {
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.Error(s.orch.Initialize(s.ctx))
}

func (s *OrchestratorTestSuite) TestFillPlacesTakeProfitAndReplenishes() {
	s.Require().NoError(s.orch.Initialize(s.ctx))

	s.client.execute(0, 100, "9000")
	s.stream.set("9000")
	s.tick()

	pos := s.orch.Status().Position
	s.Equal(int64(100), pos.TotalQuantity)
	s.True(pos.AveragePrice.Equal(d("9000")))

	subs := s.client.submissions()
	s.Require().Len(subs, 5)
	s.assertOrder(subs[3], types.SideSell, 100, "9059")
	s.True(strings.HasPrefix(subs[3].ClientID, "grid-tp-"))
	// the ladder re-centres on the 9000 average; 8100 and 7290 are already working
	s.assertOrder(subs[4], types.SideBuy, 600, "6561")

	st := s.orch.Status()
	s.Equal(3, st.ActiveBuyOrders)
	s.Equal(1, st.ActiveSellOrders)
	s.Equal(1, st.TotalTrades)

	s.Require().Len(s.journal.trades, 1)
	s.Equal("BUY", s.journal.trades[0].Side)
	s.Equal(0, s.journal.trades[0].LevelIndex)
	s.Equal(s.orch.RunID(), s.journal.trades[0].RunID)

	// the same broker snapshot again must not double count
	s.tick()
	s.Len(s.client.submissions(), 5)
	s.Equal(int64(100), s.orch.Status().Position.TotalQuantity)
	s.Equal(1, s.orch.Status().TotalTrades)
}

func (s *OrchestratorTestSuite) TestTakeProfitFillRealizesPnL() {
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.client.execute(0, 100, "9000")
	s.stream.set("9000")
	s.tick()

	s.client.execute(3, 100, "9059")
	s.stream.set("9060")
	s.tick()

	st := s.orch.Status()
	s.Equal(int64(0), st.Position.TotalQuantity)
	s.True(st.Position.RealizedPnL.Equal(d("5900")), "realized %s", st.Position.RealizedPnL)
	s.True(st.Position.AveragePrice.IsZero())
	s.Equal(0, st.ActiveSellOrders)
	s.Equal(2, st.TotalTrades)
	s.True(st.ROIPct.Equal(d("0.059")), "roi %s", st.ROIPct)

	s.Require().Len(s.journal.trades, 2)
	s.Equal(TakeProfitIndex, s.journal.trades[1].LevelIndex)
	s.True(s.journal.trades[1].RealizedPnL.Equal(d("5900")))
	// three BUY levels still working, nothing new to place
	s.Len(s.client.submissions(), 5)
}

func (s *OrchestratorTestSuite) TestPartialFillsAppliedAsDeltas() {
	s.Require().NoError(s.orch.Initialize(s.ctx))

	s.client.execute(0, 40, "9000")
	s.stream.set("9000")
	s.tick()

	subs := s.client.submissions()
	s.Require().Len(subs, 4)
	s.assertOrder(subs[3], types.SideSell, 40, "9050")
	s.Equal(3, s.orch.Status().ActiveBuyOrders, "partially filled level keeps working")

	s.tick()
	s.Len(s.client.submissions(), 4)

	s.client.execute(0, 100, "9000")
	s.tick()

	subs = s.client.submissions()
	s.Require().Len(subs, 6)
	s.assertOrder(subs[4], types.SideSell, 60, "9059")
	s.assertOrder(subs[5], types.SideBuy, 600, "6561")

	pos := s.orch.Status().Position
	s.Equal(int64(100), pos.TotalQuantity)
	s.True(pos.TotalCost.Equal(d("900000")))
	s.Equal(2, s.orch.Status().TotalTrades)
}

func (s *OrchestratorTestSuite) TestBrokerCancelledLevelIsReplaced() {
	s.Require().NoError(s.orch.Initialize(s.ctx))

	s.client.setStatus(1, types.StatusCancelled)
	s.tick()

	subs := s.client.submissions()
	s.Require().Len(subs, 4)
	s.assertOrder(subs[3], types.SideBuy, 200, "8100")
	s.Equal(3, s.orch.Status().ActiveBuyOrders)
}

func (s *OrchestratorTestSuite) TestFailedSubmissionSelfHeals() {
	s.client.failSubmit = 1
	s.Require().NoError(s.orch.Initialize(s.ctx))

	subs := s.client.submissions()
	s.Require().Len(subs, 2)
	s.assertOrder(subs[0], types.SideBuy, 200, "8100")

	s.tick()
	subs = s.client.submissions()
	s.Require().Len(subs, 3)
	s.assertOrder(subs[2], types.SideBuy, 100, "9000")
}

func (s *OrchestratorTestSuite) TestFailedTakeProfitIsRetried() {
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.client.execute(0, 100, "9000")
	s.stream.set("9000")
	// the take-profit and its retry within the same tick are both rejected
	s.client.failSubmit = 2
	s.tick()

	subs := s.client.submissions()
	s.Require().Len(subs, 4)
	s.assertOrder(subs[3], types.SideBuy, 600, "6561")
	s.Equal(0, s.orch.Status().ActiveSellOrders)

	s.tick()
	subs = s.client.submissions()
	s.Require().Len(subs, 5)
	s.assertOrder(subs[4], types.SideSell, 100, "9059")
	s.Equal(1, s.orch.Status().ActiveSellOrders)
}

func (s *OrchestratorTestSuite) TestRiskLimitsSkipLevels() {
	tests := []struct {
		name   string
		mutate func(c *GridConfig)
		want   int
	}{
		{"exposure limit", func(c *GridConfig) { c.WalletExposureLimitPct = d("0.30") }, 2},
		{"max position", func(c *GridConfig) { c.MaxPositionSize = 250 }, 2},
		{"minimum order value", func(c *GridConfig) { c.MinOrderValue = d("1500000") }, 2},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			tt.mutate(s.cfg)
			s.Require().NoError(s.orch.Initialize(s.ctx))
			s.Len(s.client.submissions(), tt.want)
		})
	}
}

func (s *OrchestratorTestSuite) TestIntegrityErrorQuarantinesLevel() {
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.client.execute(0, 100, "9000")
	s.stream.set("9000")
	s.tick()

	before := testutil.ToFloat64(metrics.IntegrityErrors.WithLabelValues("HPG"))
	// local ledger drifted from the broker
	s.orch.position.TotalQuantity = 50
	s.client.execute(3, 100, "9059")
	s.tick()

	st := s.orch.Status()
	s.Equal(1, st.Quarantined)
	s.Equal(0, st.ActiveSellOrders)
	s.Equal(int64(50), st.Position.TotalQuantity)
	s.True(st.Position.RealizedPnL.IsZero())
	s.Equal(before+1, testutil.ToFloat64(metrics.IntegrityErrors.WithLabelValues("HPG")))
	s.GreaterOrEqual(s.notifier.count(), 1)
	s.Equal("ACTIVE", st.State)
}

func (s *OrchestratorTestSuite) TestStopLossHalts() {
	sl := d("0.10")
	s.cfg.StopLossPct = &sl
	s.Require().NoError(s.orch.Initialize(s.ctx))

	s.client.execute(0, 100, "9000")
	s.stream.set("9000")
	s.tick()
	s.Equal(StateActive, s.orch.State())

	s.stream.set("8100")
	s.tick()
	s.Equal(StateStopping, s.orch.State())
	s.Contains(s.orch.Status().StopReason, "stop loss")
}

func (s *OrchestratorTestSuite) TestDrawdownHalts() {
	s.cfg.MaxDrawdownPct = d("0.001")
	s.Require().NoError(s.orch.Initialize(s.ctx))

	s.client.execute(0, 100, "9000")
	s.stream.set("8800")
	s.tick()

	s.Equal(StateStopping, s.orch.State())
	s.Contains(s.orch.Status().StopReason, "drawdown")
	s.True(s.orch.Status().Position.UnrealizedPnL.Equal(d("-20000")))
}

func (s *OrchestratorTestSuite) TestStopIsIdempotent() {
	s.Require().NoError(s.orch.Initialize(s.ctx))

	s.orch.Stop()
	s.orch.Stop()

	s.Len(s.client.cancels(), 3)
	s.Equal(StateStopped, s.orch.State())
	s.Len(s.journal.summaries, 1)
	s.Equal("stop requested", s.journal.summaries[0].Reason)
	s.Equal(1, s.stream.closed)
	s.False(s.orch.Status().Active)
	s.ErrorIs(s.orch.Run(s.ctx), ErrNotActive)
}

func (s *OrchestratorTestSuite) TestStopBeforeInitialize() {
	s.orch.Stop()
	s.Equal(StateStopped, s.orch.State())
	s.Error(s.orch.Initialize(s.ctx))
	s.Empty(s.client.submissions())
}

func (s *OrchestratorTestSuite) TestShutdownSkipsFilledLevels() {
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.client.execute(0, 100, "9000")
	s.stream.set("9000")
	s.tick()

	s.orch.Stop()
	cancels := s.client.cancels()
	// 8100, 7290, take-profit and the replenished 6561; never the filled ord-1
	s.Len(cancels, 4)
	s.NotContains(cancels, "ord-1")

	sum := s.journal.summaries[0]
	s.Equal(int64(100), sum.Quantity)
	s.Equal(1, sum.TotalTrades)
}

func (s *OrchestratorTestSuite) TestRunUntilStopped() {
	s.orch = s.build(Options{Interval: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond})
	s.Require().NoError(s.orch.Initialize(s.ctx))

	done := make(chan error, 1)
	go func() { done <- s.orch.Run(s.ctx) }()

	s.client.execute(0, 100, "9000")
	s.Eventually(func() bool { return s.orch.Status().TotalTrades == 1 }, 2*time.Second, 5*time.Millisecond)

	s.orch.Stop()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("Run did not return after Stop")
	}
	s.Equal(StateStopped, s.orch.State())
	s.Len(s.journal.summaries, 1)
}

func (s *OrchestratorTestSuite) TestRunStopsOnContextCancel() {
	s.orch = s.build(Options{Interval: 5 * time.Millisecond})
	s.Require().NoError(s.orch.Initialize(s.ctx))

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.orch.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("Run did not return after cancellation")
	}
	s.Equal(StateStopped, s.orch.State())
	s.Equal("context cancelled", s.orch.Status().StopReason)
	s.Len(s.client.cancels(), 3)
}

func (s *OrchestratorTestSuite) TestRunExitsOnStopCondition() {
	s.cfg.MaxDrawdownPct = d("0.001")
	s.orch = s.build(Options{Interval: 5 * time.Millisecond})
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.client.execute(0, 100, "9000")
	s.stream.set("8000")

	s.NoError(s.orch.Run(s.ctx))
	s.Equal(StateStopped, s.orch.State())
	s.Contains(s.journal.summaries[0].Reason, "drawdown")
	s.GreaterOrEqual(s.notifier.count(), 2)
}

func (s *OrchestratorTestSuite) TestStuckNotifierCannotHoldTheLoop() {
	s.cfg.MaxDrawdownPct = d("0.001")
	stuck := &stuckNotifier{release: make(chan struct{})}
	defer close(stuck.release)
	s.orch = New(s.cfg, Deps{
		Client:   s.client,
		Stream:   s.stream,
		Poll:     s.poll,
		Journal:  s.journal,
		Notifier: stuck,
	}, Options{Interval: 5 * time.Millisecond, CallTimeout: 50 * time.Millisecond})
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.client.execute(0, 100, "9000")
	s.stream.set("8000")

	done := make(chan error, 1)
	go func() { done <- s.orch.Run(s.ctx) }()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("Run blocked on a notifier that ignores its context")
	}
	s.Equal(StateStopped, s.orch.State())
	s.Contains(s.journal.summaries[0].Reason, "drawdown")

	stopped := make(chan struct{})
	go func() {
		s.orch.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		s.Fail("Stop blocked after the loop exited")
	}
}

func (s *OrchestratorTestSuite) TestRunSurvivesPanickingTick() {
	s.orch = s.build(Options{Interval: time.Millisecond, ErrorBackoff: time.Millisecond})
	s.Require().NoError(s.orch.Initialize(s.ctx))
	before := testutil.ToFloat64(metrics.TickErrors.WithLabelValues("HPG"))

	s.client.mu.Lock()
	s.client.listPanic = true
	s.client.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.orch.Run(s.ctx) }()

	s.Eventually(func() bool {
		return testutil.ToFloat64(metrics.TickErrors.WithLabelValues("HPG")) >= before+2
	}, 2*time.Second, time.Millisecond)
	s.Equal(StateActive, s.orch.State())

	s.orch.Stop()
	s.NoError(<-done)
}

func (s *OrchestratorTestSuite) TestTransientListFailureIsAbsorbed() {
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.client.listErr = errors.New("gateway timeout")

	s.NoError(s.orch.safeTick(s.ctx))
	s.Equal(StateActive, s.orch.State())
	s.Equal(3, s.orch.Status().ActiveBuyOrders)
}

func (s *OrchestratorTestSuite) TestRunBeforeInitialize() {
	s.ErrorIs(s.orch.Run(s.ctx), ErrNotActive)
}

func (s *OrchestratorTestSuite) TestStreamFailureFallsBackToPolling() {
	s.stream.startErr = errors.New("dial refused")
	s.Require().NoError(s.orch.Initialize(s.ctx))

	s.True(s.poll.started)
	s.Len(s.client.submissions(), 3)
}

func (s *OrchestratorTestSuite) TestStaleStreamStartsPolling() {
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.False(s.poll.started)

	s.stream.mu.Lock()
	s.stream.stale = true
	s.stream.mu.Unlock()
	s.poll.set("9500")
	s.tick()

	s.True(s.poll.started)
	s.True(s.orch.Status().CurrentPrice.Equal(d("9500")))
}

func (s *OrchestratorTestSuite) TestPollingRetriesSubscribeOnce() {
	s.Require().NoError(s.orch.Initialize(s.ctx))
	s.stream.mu.Lock()
	s.stream.stale = true
	s.stream.mu.Unlock()

	s.poll.mu.Lock()
	s.poll.startErr = errors.New("gateway timeout")
	s.poll.mu.Unlock()
	s.tick()
	s.tick()
	s.False(s.poll.started)

	s.poll.mu.Lock()
	s.poll.startErr = nil
	s.poll.mu.Unlock()
	s.poll.set("9500")
	s.tick()

	s.True(s.poll.started)
	s.poll.mu.Lock()
	s.Len(s.poll.handlers, 1)
	s.poll.mu.Unlock()
	s.True(s.orch.Status().CurrentPrice.Equal(d("9500")))
}

func (s *OrchestratorTestSuite) TestEMATracksTicks() {
	s.Require().NoError(s.orch.Initialize(s.ctx))
	time.Sleep(time.Millisecond)
	s.stream.set("10100")
	time.Sleep(time.Millisecond)
	s.stream.set("10050")

	st := s.orch.Status()
	s.True(st.EMAFast.GreaterThan(d("10000")))
	s.True(st.EMASlow.GreaterThan(d("10000")))
	s.True(st.EMAFast.GreaterThan(st.EMASlow))
	s.Equal(market.TrendUnknown, st.Trend, "too few samples for a trend")
	s.Greater(st.Volatility, 0.0)
}

func (s *OrchestratorTestSuite) TestInitializeFailsClosed() {
	loan := int64(-1)
	tests := []struct {
		name    string
		arrange func()
		config  bool
	}{
		{"invalid config", func() { s.cfg.LoanPackageID = &loan }, true},
		{"capital unavailable", func() { s.client.capitalErr = errors.New("401") }, false},
		{"no capital", func() { s.client.capital = decimal.Zero }, false},
		{"no feed reachable", func() {
			s.stream.startErr = errors.New("dial refused")
			s.poll.startErr = errors.New("dial refused")
		}, false},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			tt.arrange()

			err := s.orch.Initialize(s.ctx)
			s.Require().Error(err)
			var cfgErr *ConfigError
			s.Equal(tt.config, errors.As(err, &cfgErr))
			s.Equal(StateStopped, s.orch.State())
			s.Empty(s.client.submissions())
			s.ErrorIs(s.orch.Run(s.ctx), ErrNotActive)
		})
	}
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}
