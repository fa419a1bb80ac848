package grid

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultLotSize is the exchange round lot for equities.
const DefaultLotSize int64 = 100

// GridConfig holds the parameters of one recursive grid strategy instance.
// Treat it as immutable once Validate has passed.
type GridConfig struct {
	Symbol        string `json:"symbol"`
	AccountID     string `json:"account_id"`
	LoanPackageID *int64 `json:"loan_package_id,omitempty"`

	GridLevels     int             `json:"grid_levels"`
	GridSpacingPct decimal.Decimal `json:"grid_spacing_pct"`
	GridSpanPct    decimal.Decimal `json:"grid_span_pct"`

	InitialQtyPct   decimal.Decimal `json:"initial_qty_pct"`
	DdownFactor     decimal.Decimal `json:"ddown_factor"`
	MaxPositionSize int64           `json:"max_position_size"`

	MinMarkupPct   decimal.Decimal `json:"min_markup_pct"`
	MarkupRangePct decimal.Decimal `json:"markup_range_pct"`

	WalletExposureLimitPct decimal.Decimal  `json:"wallet_exposure_limit_pct"`
	MaxDrawdownPct         decimal.Decimal  `json:"max_drawdown_pct"`
	StopLossPct            *decimal.Decimal `json:"stop_loss_pct,omitempty"`

	UseEMA      bool `json:"use_ema"`
	EMAFastSpan int  `json:"ema_fast_span"`
	EMASlowSpan int  `json:"ema_slow_span"`

	PricePrecision int32           `json:"price_precision"`
	MinOrderValue  decimal.Decimal `json:"min_order_value"`
	LotSize        int64           `json:"lot_size"`

	// ReplenishThreshold is the active BUY count below which the ladder is
	// topped up. Zero means GridLevels/2.
	ReplenishThreshold int `json:"replenish_threshold"`
}

// DefaultGridConfig returns the stock strategy parameters. AccountID is left empty.
func DefaultGridConfig() *GridConfig {
	return &GridConfig{
		Symbol:                 "HPG",
		GridLevels:             10,
		GridSpacingPct:         decimal.RequireFromString("0.02"),
		GridSpanPct:            decimal.RequireFromString("0.20"),
		InitialQtyPct:          decimal.RequireFromString("0.10"),
		DdownFactor:            decimal.RequireFromString("1.5"),
		MaxPositionSize:        10000,
		MinMarkupPct:           decimal.RequireFromString("0.005"),
		MarkupRangePct:         decimal.RequireFromString("0.015"),
		WalletExposureLimitPct: decimal.RequireFromString("0.30"),
		MaxDrawdownPct:         decimal.RequireFromString("0.10"),
		UseEMA:                 true,
		EMAFastSpan:            12,
		EMASlowSpan:            26,
		PricePrecision:         0,
		MinOrderValue:          decimal.NewFromInt(100000),
		LotSize:                DefaultLotSize,
	}
}

// SetDefaults fills zero values that have a safe default.
func (c *GridConfig) SetDefaults() {
	if c.LotSize == 0 {
		c.LotSize = DefaultLotSize
	}
	if c.UseEMA {
		if c.EMAFastSpan == 0 {
			c.EMAFastSpan = 12
		}
		if c.EMASlowSpan == 0 {
			c.EMASlowSpan = 26
		}
	}
}

// Validate rejects out-of-range values. All problems are reported together.
func (c *GridConfig) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	zero := decimal.Zero

	if c.Symbol == "" {
		add("symbol is required")
	}
	if c.AccountID == "" {
		add("account_id is required")
	}
	if c.LoanPackageID != nil && *c.LoanPackageID <= 0 {
		add("loan_package_id must be positive when set")
	}
	if c.GridLevels < 2 {
		add("grid_levels must be at least 2, got %d", c.GridLevels)
	}
	if !c.GridSpacingPct.GreaterThan(zero) || c.GridSpacingPct.GreaterThan(decimal.RequireFromString("0.10")) {
		add("grid_spacing_pct must be in (0, 0.10], got %s", c.GridSpacingPct)
	}
	if c.GridSpanPct.LessThan(zero) || c.GridSpanPct.GreaterThanOrEqual(one) {
		add("grid_span_pct must be in [0, 1), got %s", c.GridSpanPct)
	}
	if !c.InitialQtyPct.GreaterThan(zero) || c.InitialQtyPct.GreaterThan(one) {
		add("initial_qty_pct must be in (0, 1], got %s", c.InitialQtyPct)
	}
	if c.DdownFactor.LessThan(one) {
		add("ddown_factor must be >= 1, got %s", c.DdownFactor)
	}
	if c.MaxPositionSize <= 0 {
		add("max_position_size must be positive, got %d", c.MaxPositionSize)
	}
	if c.MinMarkupPct.LessThan(zero) {
		add("min_markup_pct must be >= 0, got %s", c.MinMarkupPct)
	}
	if c.MarkupRangePct.LessThan(zero) {
		add("markup_range_pct must be >= 0, got %s", c.MarkupRangePct)
	}
	if !c.WalletExposureLimitPct.GreaterThan(zero) || c.WalletExposureLimitPct.GreaterThan(one) {
		add("wallet_exposure_limit_pct must be in (0, 1], got %s", c.WalletExposureLimitPct)
	}
	if !c.MaxDrawdownPct.GreaterThan(zero) || c.MaxDrawdownPct.GreaterThan(one) {
		add("max_drawdown_pct must be in (0, 1], got %s", c.MaxDrawdownPct)
	}
	if c.StopLossPct != nil && (!c.StopLossPct.GreaterThan(zero) || c.StopLossPct.GreaterThanOrEqual(one)) {
		add("stop_loss_pct must be in (0, 1) when set, got %s", c.StopLossPct)
	}
	if c.UseEMA && (c.EMAFastSpan < 1 || c.EMASlowSpan < 1) {
		add("ema spans must be >= 1, got %d/%d", c.EMAFastSpan, c.EMASlowSpan)
	}
	if c.PricePrecision < 0 || c.PricePrecision > 8 {
		add("price_precision must be in [0, 8], got %d", c.PricePrecision)
	}
	if c.MinOrderValue.LessThan(zero) {
		add("min_order_value must be >= 0, got %s", c.MinOrderValue)
	}
	if c.LotSize < 1 {
		add("lot_size must be >= 1, got %d", c.LotSize)
	}
	if c.ReplenishThreshold < 0 || c.ReplenishThreshold > c.GridLevels {
		add("replenish_threshold must be in [0, grid_levels], got %d", c.ReplenishThreshold)
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// replenishThreshold resolves the zero default.
func (c *GridConfig) replenishThreshold() int {
	if c.ReplenishThreshold > 0 {
		return c.ReplenishThreshold
	}
	return c.GridLevels / 2
}

// spanFloor is the lowest price a BUY may be placed at for a given reference.
// Zero means unbounded.
func (c *GridConfig) spanFloor(ref decimal.Decimal) decimal.Decimal {
	if !c.GridSpanPct.IsPositive() {
		return decimal.Zero
	}
	return ref.Mul(one.Sub(c.GridSpanPct))
}
