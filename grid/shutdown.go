package grid

import (
	"context"
	"fmt"
	"time"

	"gridbot/metrics"
	"gridbot/store"
	"gridbot/trader/types"
)

// shutdown cancels working orders, closes feeds and reports the run.
// Runs at most once, with loopMu held.
func (o *Orchestrator) shutdown() {
	if o.State() == StateUninitialized {
		o.setState(StateStopped)
		o.publish()
		return
	}
	if o.State() == StateStopped {
		// initialization already failed and cleaned up
		return
	}
	o.setState(StateStopping)
	if o.stopReason == "" {
		o.stopReason = "stop requested"
	}
	o.log.Infof("🛑 [Grid] Shutting down %s (%s)", o.cfg.Symbol, o.stopReason)

	cancelled, failed := 0, 0
	for _, lvl := range o.levels {
		if lvl.Filled || lvl.Closed || lvl.OrderID == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.CallTimeout)
		err := o.deps.Client.CancelOrder(ctx, lvl.OrderID, o.cfg.AccountID)
		cancel()
		if err != nil {
			failed++
			metrics.Orders.WithLabelValues(o.cfg.Symbol, string(lvl.Side), "cancel_failed").Inc()
			o.log.Warnf("⚠️  [Grid] Cancel %s order %s @ %s failed: %v", lvl.Side, lvl.OrderID, lvl.Price, err)
			continue
		}
		lvl.Closed = true
		cancelled++
		metrics.Orders.WithLabelValues(o.cfg.Symbol, string(lvl.Side), "cancelled").Inc()
	}
	if cancelled+failed > 0 {
		o.log.Infof("🗑️  [Grid] Cancelled %d working orders (%d failed)", cancelled, failed)
	}

	o.closeFeeds()

	summary := o.summary()
	o.logSummary(summary)
	if o.deps.Journal != nil {
		if err := o.deps.Journal.RecordSummary(summary); err != nil {
			o.log.Warnf("⚠️  [Grid] Failed to persist run summary: %v", err)
		}
	}
	o.alert(fmt.Sprintf("🏁 %s grid stopped (%s). Position %d @ %s, PnL %s (ROI %s%%), %d trades.",
		summary.Symbol, summary.Reason, summary.Quantity, summary.AveragePrice.StringFixed(2),
		summary.TotalPnL.StringFixed(0), summary.ROIPct.StringFixed(2), summary.TotalTrades))

	o.setState(StateStopped)
	o.publish()
}

func (o *Orchestrator) summary() *store.GridSummary {
	p := o.position
	return &store.GridSummary{
		RunID:         o.runID,
		Symbol:        o.cfg.Symbol,
		StartedAt:     o.startedAt,
		StoppedAt:     o.now(),
		Reason:        o.stopReason,
		Quantity:      p.TotalQuantity,
		AveragePrice:  p.AveragePrice,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		TotalPnL:      p.TotalPnL(),
		ROIPct:        o.roiPct(),
		TotalTrades:   o.totalTrades,
	}
}

func (o *Orchestrator) logSummary(s *store.GridSummary) {
	o.log.Info("📊 [Grid] ===== Performance summary =====")
	o.log.Infof("📊 [Grid] Position: %d shares @ avg %s", s.Quantity, s.AveragePrice.StringFixed(2))
	o.log.Infof("📊 [Grid] Realized PnL: %s | Unrealized PnL: %s", s.RealizedPnL.StringFixed(0), s.UnrealizedPnL.StringFixed(0))
	o.log.Infof("📊 [Grid] Total PnL: %s | ROI: %s%%", s.TotalPnL.StringFixed(0), s.ROIPct.StringFixed(2))
	o.log.Infof("📊 [Grid] Trades: %d | Duration: %v", s.TotalTrades, s.StoppedAt.Sub(s.StartedAt).Round(time.Second))

	buys, sells := o.countActive(types.SideBuy), o.countActive(types.SideSell)
	if buys+sells > 0 {
		o.log.Warnf("⚠️  [Grid] %d BUY / %d SELL orders may still be working at the broker", buys, sells)
	}
}
