package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "data", "grid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGridStore_RecordAndListTrades(t *testing.T) {
	st := newTestStore(t)
	t0 := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	buy := &GridTrade{
		ID: "t1", RunID: "run-1", Symbol: "HPG", OrderID: "o1", Side: "BUY",
		LevelIndex: 0, Quantity: 100, Price: decimal.NewFromInt(9000),
		RealizedPnL: decimal.Zero, FilledAt: t0,
	}
	sell := &GridTrade{
		ID: "t2", RunID: "run-1", Symbol: "HPG", OrderID: "o2", Side: "SELL",
		LevelIndex: -1, Quantity: 100, Price: decimal.NewFromInt(9059),
		RealizedPnL: decimal.NewFromInt(5900), FilledAt: t0.Add(time.Minute),
	}
	require.NoError(t, st.Grid().RecordTrade(buy))
	require.NoError(t, st.Grid().RecordTrade(sell))
	// duplicate ids are ignored
	require.NoError(t, st.Grid().RecordTrade(sell))

	trades, err := st.Grid().ListTrades("HPG", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t2", trades[0].ID)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(9059)))
	assert.Equal(t, -1, trades[0].LevelIndex)
	assert.True(t, trades[0].FilledAt.Equal(t0.Add(time.Minute)))

	other, err := st.Grid().ListTrades("VNM", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestGridStore_Stats(t *testing.T) {
	st := newTestStore(t)
	t0 := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	rows := []struct {
		id, side string
		pnl      int64
	}{
		{"a", "BUY", 0}, {"b", "SELL", 5900}, {"c", "BUY", 0}, {"d", "SELL", -100},
	}
	for i, r := range rows {
		require.NoError(t, st.Grid().RecordTrade(&GridTrade{
			ID: r.id, RunID: "run", Symbol: "HPG", OrderID: r.id, Side: r.side,
			Quantity: 100, Price: decimal.NewFromInt(9000), RealizedPnL: decimal.NewFromInt(r.pnl),
			FilledAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	stats, err := st.Grid().GetStats("HPG")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 2, stats.BuyFills)
	assert.Equal(t, 2, stats.SellFills)
	assert.Equal(t, 1, stats.WinTrades)
	assert.InDelta(t, 50.0, stats.WinRate, 1e-9)
	assert.True(t, stats.RealizedPnL.Equal(decimal.NewFromInt(5800)))
}

func TestGridStore_Summary(t *testing.T) {
	st := newTestStore(t)

	missing, err := st.Grid().GetSummary("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	summary := &GridSummary{
		RunID: "run-1", Symbol: "HPG", StartedAt: t0, StoppedAt: t0.Add(time.Hour),
		Reason: "stop requested", Quantity: 200,
		AveragePrice: decimal.NewFromInt(8400), RealizedPnL: decimal.NewFromInt(110000),
		UnrealizedPnL: decimal.NewFromInt(-20000), TotalPnL: decimal.NewFromInt(90000),
		ROIPct: decimal.RequireFromString("0.9"), TotalTrades: 3,
	}
	require.NoError(t, st.Grid().RecordSummary(summary))

	got, err := st.Grid().GetSummary("run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "stop requested", got.Reason)
	assert.Equal(t, int64(200), got.Quantity)
	assert.True(t, got.TotalPnL.Equal(decimal.NewFromInt(90000)))
	assert.True(t, got.ROIPct.Equal(decimal.RequireFromString("0.9")))
	assert.True(t, got.StoppedAt.Equal(t0.Add(time.Hour)))
}
