package grid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/market"
	"gridbot/metrics"
	"gridbot/store"
	"gridbot/trader/types"
)

// safeTick runs one tick, converting a panic into an error.
func (o *Orchestrator) safeTick(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
		metrics.TickDuration.WithLabelValues(o.cfg.Symbol).Observe(time.Since(start).Seconds())
		o.publish()
	}()
	return o.tick(ctx)
}

// tick runs reconcile, price refresh, replenishment and stop evaluation in
// that order, checking for a stop request between steps. Transient step
// failures are logged here; anything else is returned.
func (o *Orchestrator) tick(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"reconcile", o.reconcile},
		{"refresh price", o.refreshPrice},
		{"replenish", o.replenish},
		{"stop conditions", o.evaluateStopConditions},
	}

	var errs []error
	for _, step := range steps {
		if o.stopRequested() || o.State() != StateActive {
			break
		}
		err := step.fn(ctx)
		if err == nil {
			continue
		}
		var te *TransientError
		if errors.As(err, &te) {
			o.log.Warnf("⚠️  [Grid] %s: %v", step.name, err)
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
	}
	return errors.Join(errs...)
}

// reconcile turns broker order snapshots into fill deltas for tracked levels.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	if !o.hasWorkingLevels() {
		return nil
	}
	callCtx, cancel := o.callContext(ctx)
	orders, err := o.deps.Client.ListOrders(callCtx, o.cfg.AccountID)
	cancel()
	if err != nil {
		return transient("list orders", err)
	}

	byID := make(map[string]types.Order, len(orders))
	for _, ord := range orders {
		byID[ord.OrderID] = ord
	}

	// handleFill may append take-profit levels; iterate over the current set
	tracked := append([]*GridLevel(nil), o.levels...)
	for _, lvl := range tracked {
		if !lvl.Active() || lvl.OrderID == "" {
			continue
		}
		ord, ok := byID[lvl.OrderID]
		if !ok {
			continue
		}
		if ord.ExecutedQuantity > lvl.FilledQuantity {
			o.handleFill(ctx, lvl, ord)
		}
		if lvl.Active() && ord.Status.Terminal() {
			lvl.Closed = true
			o.log.Infof("🗑️  [Grid] %s order %s at %s closed by broker (%s), %d/%d executed",
				lvl.Side, lvl.OrderID, lvl.Price, ord.Status, lvl.FilledQuantity, lvl.Quantity)
		}
	}
	return nil
}

func (o *Orchestrator) hasWorkingLevels() bool {
	for _, l := range o.levels {
		if l.Active() {
			return true
		}
	}
	return false
}

// handleFill applies the newly executed part of lvl's order.
func (o *Orchestrator) handleFill(ctx context.Context, lvl *GridLevel, ord types.Order) {
	delta := ord.ExecutedQuantity - lvl.FilledQuantity
	if ord.ExecutedQuantity > lvl.Quantity {
		o.quarantine(lvl, &DataIntegrityError{
			Symbol: o.cfg.Symbol,
			Detail: fmt.Sprintf("order %s executed %d of %d", lvl.OrderID, ord.ExecutedQuantity, lvl.Quantity),
		})
		return
	}
	price := fillPrice(lvl, ord, delta)

	realizedBefore := o.position.RealizedPnL
	if err := o.position.ApplyFill(delta, price, lvl.Side); err != nil {
		o.quarantine(lvl, err)
		return
	}

	lvl.FilledQuantity += delta
	lvl.FilledNotional = lvl.FilledNotional.Add(price.Mul(decimal.NewFromInt(delta)))
	if lvl.FilledQuantity >= lvl.Quantity || ord.Status == types.StatusFilled {
		lvl.Filled = true
		lvl.FilledAt = o.now()
	}
	o.totalTrades++
	metrics.Fills.WithLabelValues(o.cfg.Symbol, string(lvl.Side)).Inc()

	realized := o.position.RealizedPnL.Sub(realizedBefore)
	o.recordTrade(lvl, delta, price, realized)
	o.log.Infof("✅ [Grid] %s filled %d @ %s (level %d): position %d @ avg %s, realized %s",
		lvl.Side, delta, price, lvl.Index, o.position.TotalQuantity, o.position.AveragePrice.StringFixed(2), o.position.RealizedPnL)

	if lvl.Side == types.SideBuy {
		o.placeTakeProfit(ctx, delta, price)
	}
}

// fillPrice derives the execution price of the delta from the order's
// cumulative average and what was already booked.
func fillPrice(lvl *GridLevel, ord types.Order, delta int64) decimal.Decimal {
	if !ord.AveragePrice.IsPositive() {
		return lvl.Price
	}
	total := ord.AveragePrice.Mul(decimal.NewFromInt(ord.ExecutedQuantity))
	p := total.Sub(lvl.FilledNotional).Div(decimal.NewFromInt(delta))
	if !p.IsPositive() {
		return ord.AveragePrice
	}
	return p
}

func (o *Orchestrator) quarantine(lvl *GridLevel, err error) {
	lvl.Quarantined = true
	metrics.IntegrityErrors.WithLabelValues(o.cfg.Symbol).Inc()
	o.log.Errorf("🚨 [Grid] %v; %s level %s (order %s) quarantined", err, lvl.Side, lvl.Price, lvl.OrderID)
	o.alert(fmt.Sprintf("🚨 %s grid desynchronized from broker: %v. Order %s quarantined.", o.cfg.Symbol, err, lvl.OrderID))
}

func (o *Orchestrator) recordTrade(lvl *GridLevel, qty int64, price, realized decimal.Decimal) {
	if o.deps.Journal == nil {
		return
	}
	t := &store.GridTrade{
		ID:          uuid.NewString(),
		RunID:       o.runID,
		Symbol:      o.cfg.Symbol,
		OrderID:     lvl.OrderID,
		Side:        string(lvl.Side),
		LevelIndex:  lvl.Index,
		Quantity:    qty,
		Price:       price,
		RealizedPnL: realized,
		FilledAt:    o.now(),
	}
	if err := o.deps.Journal.RecordTrade(t); err != nil {
		o.log.Warnf("⚠️  [Grid] Failed to journal trade: %v", err)
	}
}

// placeTakeProfit submits the SELL leg for a BUY fill. Failed submissions
// are queued and retried by the next replenishment.
func (o *Orchestrator) placeTakeProfit(ctx context.Context, qty int64, fill decimal.Decimal) {
	markup := TakeProfitMarkup(o.cfg.MinMarkupPct, o.cfg.MarkupRangePct, o.position.TotalQuantity, o.cfg.MaxPositionSize)
	tp := TakeProfitPrice(fill, markup, o.cfg.PricePrecision)

	if free := o.position.TotalQuantity - o.pendingSellQuantity(); qty > free {
		o.log.Warnf("⚠️  [Grid] Take-profit for %d exceeds unhedged quantity %d, skipping", qty, free)
		return
	}

	id, err := o.submit(ctx, types.SideSell, qty, tp, TakeProfitIndex)
	if err != nil {
		o.log.Warnf("⚠️  [Grid] Take-profit %d @ %s failed, will retry: %v", qty, tp, err)
		o.unhedged = append(o.unhedged, pendingTakeProfit{qty: qty, fillPrice: fill})
		return
	}
	o.levels = append(o.levels, &GridLevel{
		Price:     tp,
		Quantity:  qty,
		Side:      types.SideSell,
		OrderID:   id,
		Index:     TakeProfitIndex,
		CreatedAt: o.now(),
	})
	o.log.Infof("🎯 [Grid] Take-profit SELL %d @ %s (markup %s)", qty, tp, markup.StringFixed(4))
}

func (o *Orchestrator) pendingSellQuantity() int64 {
	var qty int64
	for _, l := range o.levels {
		if l.Side == types.SideSell && l.Active() {
			qty += l.Remaining()
		}
	}
	return qty
}

func (o *Orchestrator) retryTakeProfits(ctx context.Context) {
	pending := o.unhedged
	o.unhedged = nil
	for _, p := range pending {
		o.placeTakeProfit(ctx, p.qty, p.fillPrice)
	}
}

// refreshPrice pulls the freshest feed price into the loop and marks the
// position to market. A stale stream brings up the polling feed.
func (o *Orchestrator) refreshPrice(ctx context.Context) error {
	tick, fresh, ok := market.Best(o.opts.StaleAfter, o.activeFeeds()...)
	if !fresh && !o.pollUp && o.deps.Poll != nil {
		if err := o.startPoll(ctx); err != nil {
			o.log.Warnf("⚠️  [Grid] Polling fallback failed to start: %v", err)
		} else {
			o.log.Infof("🔁 [Grid] Price stream stale, polling fallback started")
			tick, fresh, ok = market.Best(o.opts.StaleAfter, o.activeFeeds()...)
		}
	}
	if !ok {
		return transient("refresh price", errors.New("no price available from any feed"))
	}
	if !fresh {
		o.log.Warnf("⚠️  [Grid] Price %s from %s is stale (at %s)", tick.Price, tick.Source, tick.Time.Format(time.RFC3339))
	}
	o.currentPrice = tick.Price
	o.position.MarkToMarket(tick.Price)
	return nil
}

// replenish tops the ladder back up once active BUYs fall below the threshold.
func (o *Orchestrator) replenish(ctx context.Context) error {
	o.retryTakeProfits(ctx)
	o.pruneLevels()

	active := o.countActive(types.SideBuy)
	if active >= o.cfg.replenishThreshold() {
		return nil
	}
	needed := o.cfg.GridLevels - active

	ref := o.position.AveragePrice
	if o.position.TotalQuantity == 0 || !ref.IsPositive() {
		ref = o.currentPrice
		if !ref.IsPositive() {
			ref = o.referencePrice
		}
	}

	held := make(map[string]bool)
	for _, l := range o.levels {
		if l.Side == types.SideBuy && l.Active() {
			held[o.priceKey(l.Price)] = true
		}
	}

	placed := 0
	var errs []error
	for i, price := range o.ladderFrom(ref) {
		if placed >= needed || o.stopRequested() {
			break
		}
		if held[o.priceKey(price)] {
			continue
		}
		ok, err := o.placeBuy(ctx, i, price)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			placed++
		}
	}
	if placed > 0 {
		o.log.Infof("🔄 [Grid] Replenished %d BUY levels from %s (active %d -> %d)", placed, ref, active, active+placed)
	}
	if len(errs) > 0 {
		return transient("replenish", errors.Join(errs...))
	}
	return nil
}

func (o *Orchestrator) priceKey(p decimal.Decimal) string {
	return p.StringFixed(o.cfg.PricePrecision)
}

// pruneLevels drops filled and broker-closed levels from the table.
func (o *Orchestrator) pruneLevels() {
	kept := o.levels[:0]
	for _, l := range o.levels {
		if l.Filled || l.Closed {
			continue
		}
		kept = append(kept, l)
	}
	for i := len(kept); i < len(o.levels); i++ {
		o.levels[i] = nil
	}
	o.levels = kept
}

func (o *Orchestrator) countActive(side types.OrderSide) int {
	n := 0
	for _, l := range o.levels {
		if l.Side == side && l.Active() {
			n++
		}
	}
	return n
}

// ladderFrom computes GridLevels rungs below ref, cut at the span floor.
func (o *Orchestrator) ladderFrom(ref decimal.Decimal) []decimal.Decimal {
	prices := LadderPrices(ref, o.cfg.GridSpacingPct, o.cfg.GridLevels, o.cfg.PricePrecision)
	floor := o.cfg.spanFloor(ref)
	if floor.IsZero() {
		return prices
	}
	for i, p := range prices {
		if p.LessThan(floor) {
			return prices[:i]
		}
	}
	return prices
}

func (o *Orchestrator) placeInitialLadder(ctx context.Context) {
	placed := 0
	for i, price := range o.ladderFrom(o.referencePrice) {
		if o.stopRequested() {
			return
		}
		ok, err := o.placeBuy(ctx, i, price)
		if err != nil {
			o.log.Warnf("⚠️  [Grid] Initial level %d @ %s not placed: %v", i, price, err)
			continue
		}
		if ok {
			placed++
		}
	}
	o.log.Infof("📐 [Grid] Initial ladder: %d/%d BUY levels below %s", placed, o.cfg.GridLevels, o.referencePrice)
}

// placeBuy sizes and risk-checks a ladder rung, then submits it. It returns
// false without error when the level is skipped by sizing or risk limits.
func (o *Orchestrator) placeBuy(ctx context.Context, index int, price decimal.Decimal) (bool, error) {
	pct := QtyPctForLevel(o.cfg.InitialQtyPct, o.cfg.DdownFactor, index)
	qty := SizeForLevel(o.capital, price, pct, o.cfg.MinOrderValue, o.cfg.LotSize)
	if qty == 0 {
		o.log.Debugf("[Grid] Level %d @ %s below minimum order size, skipped", index, price)
		metrics.Orders.WithLabelValues(o.cfg.Symbol, string(types.SideBuy), "skipped").Inc()
		return false, nil
	}

	if !o.risk.CheckMaxPosition(o.position.TotalQuantity, qty) {
		o.log.Warnf("🛑 [Grid] Level %d: position %d + %d would exceed max %d, skipped",
			index, o.position.TotalQuantity, qty, o.cfg.MaxPositionSize)
		metrics.Orders.WithLabelValues(o.cfg.Symbol, string(types.SideBuy), "skipped").Inc()
		return false, nil
	}
	exposure := o.position.MarketValue(o.markPrice()).Add(price.Mul(decimal.NewFromInt(qty)))
	if !o.risk.CheckExposure(exposure, o.capital) {
		o.log.Warnf("🛑 [Grid] Level %d: exposure %s of capital %s exceeds limit %s, skipped",
			index, exposure, o.capital, o.cfg.WalletExposureLimitPct)
		metrics.Orders.WithLabelValues(o.cfg.Symbol, string(types.SideBuy), "skipped").Inc()
		return false, nil
	}

	id, err := o.submit(ctx, types.SideBuy, qty, price, index)
	if err != nil {
		return false, err
	}
	o.levels = append(o.levels, &GridLevel{
		Price:     price,
		Quantity:  qty,
		Side:      types.SideBuy,
		OrderID:   id,
		Index:     index,
		CreatedAt: o.now(),
	})
	o.log.Infof("📝 [Grid] Placed BUY level %d: %d @ %s", index, qty, price)
	return true, nil
}

func (o *Orchestrator) markPrice() decimal.Decimal {
	if o.currentPrice.IsPositive() {
		return o.currentPrice
	}
	return o.position.AveragePrice
}

func (o *Orchestrator) submit(ctx context.Context, side types.OrderSide, qty int64, price decimal.Decimal, index int) (string, error) {
	tag := fmt.Sprintf("%d", index)
	if index == TakeProfitIndex {
		tag = "tp"
	}
	req := &types.LimitOrderRequest{
		AccountID:     o.cfg.AccountID,
		Symbol:        o.cfg.Symbol,
		Side:          side,
		Quantity:      qty,
		Price:         price,
		LoanPackageID: o.cfg.LoanPackageID,
		ClientID:      fmt.Sprintf("grid-%s-%d", tag, o.now().UnixNano()%1000000),
	}

	callCtx, cancel := o.callContext(ctx)
	id, err := o.deps.Client.SubmitLimitOrder(callCtx, req)
	cancel()
	o.pace(ctx)

	if err != nil {
		metrics.Orders.WithLabelValues(o.cfg.Symbol, string(side), "failed").Inc()
		return "", transient(fmt.Sprintf("submit %s %d @ %s", side, qty, price), err)
	}
	metrics.Orders.WithLabelValues(o.cfg.Symbol, string(side), "placed").Inc()
	return id, nil
}

// pace spaces consecutive submissions to stay under broker rate limits.
func (o *Orchestrator) pace(ctx context.Context) {
	if o.opts.OrderPacing <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-o.stopCh:
	case <-time.After(o.opts.OrderPacing):
	}
}

// evaluateStopConditions moves the orchestrator to Stopping on drawdown or stop loss.
func (o *Orchestrator) evaluateStopConditions(ctx context.Context) error {
	total := o.position.TotalPnL()
	if o.risk.ShouldHaltOnDrawdown(total, o.capital) {
		o.beginStop(fmt.Sprintf("max drawdown reached: pnl %s on capital %s", total, o.capital))
		return nil
	}
	if sl := o.risk.StopLossPrice(o.position.AveragePrice); sl != nil && o.position.TotalQuantity > 0 &&
		o.currentPrice.IsPositive() && o.currentPrice.LessThanOrEqual(*sl) {
		o.beginStop(fmt.Sprintf("stop loss hit: price %s <= %s", o.currentPrice, sl.StringFixed(o.cfg.PricePrecision)))
	}
	return nil
}

func (o *Orchestrator) beginStop(reason string) {
	if o.State() != StateActive {
		return
	}
	o.stopReason = reason
	o.setState(StateStopping)
	o.log.Warnf("🛑 [Grid] Halting %s: %s", o.cfg.Symbol, reason)
	o.alert(fmt.Sprintf("🛑 %s grid halting: %s", o.cfg.Symbol, reason))
}
