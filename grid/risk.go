package grid

import "github.com/shopspring/decimal"

// RiskManager evaluates limits against a GridConfig. It holds no state of its own.
type RiskManager struct {
	cfg *GridConfig
}

func NewRiskManager(cfg *GridConfig) *RiskManager {
	return &RiskManager{cfg: cfg}
}

// CheckExposure passes when positionValue/capital is within the wallet exposure limit.
func (r *RiskManager) CheckExposure(positionValue, capital decimal.Decimal) bool {
	if !capital.IsPositive() {
		return false
	}
	return positionValue.Div(capital).LessThanOrEqual(r.cfg.WalletExposureLimitPct)
}

// CheckMaxPosition passes when the resulting quantity stays within MaxPositionSize.
func (r *RiskManager) CheckMaxPosition(currentQty, addQty int64) bool {
	return currentQty+addQty <= r.cfg.MaxPositionSize
}

// StopLossPrice returns nil when no stop loss is configured or the position is flat.
func (r *RiskManager) StopLossPrice(avgPrice decimal.Decimal) *decimal.Decimal {
	if r.cfg.StopLossPct == nil || !avgPrice.IsPositive() {
		return nil
	}
	price := avgPrice.Mul(one.Sub(*r.cfg.StopLossPct))
	return &price
}

// ShouldHaltOnDrawdown reports whether |totalPnl|/capital reached MaxDrawdownPct.
// A non-positive capital always halts.
func (r *RiskManager) ShouldHaltOnDrawdown(totalPnl, capital decimal.Decimal) bool {
	if !capital.IsPositive() {
		return true
	}
	return totalPnl.Abs().Div(capital).GreaterThanOrEqual(r.cfg.MaxDrawdownPct)
}
