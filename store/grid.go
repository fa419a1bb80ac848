package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GridTrade is one fill booked by a grid strategy.
type GridTrade struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Symbol      string          `json:"symbol"`
	OrderID     string          `json:"order_id"`
	Side        string          `json:"side"` // BUY/SELL
	LevelIndex  int             `json:"level_index"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // non-zero on take-profit fills
	FilledAt    time.Time       `json:"filled_at"`
}

// GridSummary is the final performance report of one run.
type GridSummary struct {
	RunID         string          `json:"run_id"`
	Symbol        string          `json:"symbol"`
	StartedAt     time.Time       `json:"started_at"`
	StoppedAt     time.Time       `json:"stopped_at"`
	Reason        string          `json:"reason"`
	Quantity      int64           `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	ROIPct        decimal.Decimal `json:"roi_pct"`
	TotalTrades   int             `json:"total_trades"`
}

// GridTradeStats aggregates the journal for one symbol.
type GridTradeStats struct {
	TotalTrades int             `json:"total_trades"`
	BuyFills    int             `json:"buy_fills"`
	SellFills   int             `json:"sell_fills"`
	WinTrades   int             `json:"win_trades"`
	WinRate     float64         `json:"win_rate"` // percent of sell fills with positive PnL
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// GridStore grid trade journal
type GridStore struct {
	db *sql.DB
}

func (s *GridStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_trades (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			order_id TEXT NOT NULL,
			side TEXT NOT NULL,
			level_index INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL DEFAULT '0',
			filled_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create grid_trades table: %w", err)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_grid_trades_symbol ON grid_trades(symbol, filled_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_trades_run ON grid_trades(run_id)`,
	}
	for _, idx := range indices {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_runs (
			run_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			stopped_at DATETIME NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL,
			average_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			unrealized_pnl TEXT NOT NULL,
			total_pnl TEXT NOT NULL,
			roi_pct TEXT NOT NULL,
			total_trades INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create grid_runs table: %w", err)
	}
	return nil
}

// RecordTrade inserts a fill. Re-recording the same id is a no-op.
func (s *GridStore) RecordTrade(t *GridTrade) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO grid_trades (
			id, run_id, symbol, order_id, side, level_index, quantity, price, realized_pnl, filled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.RunID, t.Symbol, t.OrderID, t.Side, t.LevelIndex, t.Quantity,
		t.Price.String(), t.RealizedPnL.String(), t.FilledAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record grid trade: %w", err)
	}
	return nil
}

// RecordSummary stores (or replaces) the summary of a run.
func (s *GridStore) RecordSummary(r *GridSummary) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO grid_runs (
			run_id, symbol, started_at, stopped_at, reason, quantity, average_price,
			realized_pnl, unrealized_pnl, total_pnl, roi_pct, total_trades
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Symbol, r.StartedAt.UTC(), r.StoppedAt.UTC(), r.Reason, r.Quantity,
		r.AveragePrice.String(), r.RealizedPnL.String(), r.UnrealizedPnL.String(),
		r.TotalPnL.String(), r.ROIPct.String(), r.TotalTrades)
	if err != nil {
		return fmt.Errorf("failed to record grid summary: %w", err)
	}
	return nil
}

// ListTrades returns the newest trades for symbol, newest first.
func (s *GridStore) ListTrades(symbol string, limit int) ([]*GridTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, symbol, order_id, side, level_index, quantity, price, realized_pnl, filled_at
		FROM grid_trades WHERE symbol = ?
		ORDER BY filled_at DESC, rowid DESC LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query grid trades: %w", err)
	}
	defer rows.Close()

	var trades []*GridTrade
	for rows.Next() {
		var t GridTrade
		var price, pnl string
		if err := rows.Scan(&t.ID, &t.RunID, &t.Symbol, &t.OrderID, &t.Side, &t.LevelIndex,
			&t.Quantity, &price, &pnl, &t.FilledAt); err != nil {
			return nil, fmt.Errorf("failed to scan grid trade: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("bad price %q for trade %s: %w", price, t.ID, err)
		}
		if t.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("bad pnl %q for trade %s: %w", pnl, t.ID, err)
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// GetStats aggregates all journaled trades for symbol.
func (s *GridStore) GetStats(symbol string) (*GridTradeStats, error) {
	trades, err := s.ListTrades(symbol, 1<<30)
	if err != nil {
		return nil, err
	}
	stats := &GridTradeStats{RealizedPnL: decimal.Zero}
	for _, t := range trades {
		stats.TotalTrades++
		switch t.Side {
		case "BUY":
			stats.BuyFills++
		case "SELL":
			stats.SellFills++
			if t.RealizedPnL.IsPositive() {
				stats.WinTrades++
			}
		}
		stats.RealizedPnL = stats.RealizedPnL.Add(t.RealizedPnL)
	}
	if stats.SellFills > 0 {
		stats.WinRate = float64(stats.WinTrades) / float64(stats.SellFills) * 100
	}
	return stats, nil
}

// GetSummary loads a stored run summary; nil when absent.
func (s *GridStore) GetSummary(runID string) (*GridSummary, error) {
	var r GridSummary
	var avg, realized, unrealized, total, roi string
	err := s.db.QueryRow(`
		SELECT run_id, symbol, started_at, stopped_at, reason, quantity, average_price,
			realized_pnl, unrealized_pnl, total_pnl, roi_pct, total_trades
		FROM grid_runs WHERE run_id = ?
	`, runID).Scan(&r.RunID, &r.Symbol, &r.StartedAt, &r.StoppedAt, &r.Reason, &r.Quantity,
		&avg, &realized, &unrealized, &total, &roi, &r.TotalTrades)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grid summary: %w", err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&r.AveragePrice, avg}, {&r.RealizedPnL, realized}, {&r.UnrealizedPnL, unrealized},
		{&r.TotalPnL, total}, {&r.ROIPct, roi},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("bad decimal %q in run %s: %w", f.src, runID, err)
		}
		*f.dst = v
	}
	return &r, nil
}
