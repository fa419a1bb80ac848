// Package metrics holds the Prometheus collectors updated by the grid engine.
//
//   - gridbot_orders_total{symbol,side,result}   orders by outcome (placed|failed|skipped|cancelled)
//   - gridbot_fills_total{symbol,side}           fills applied to the position
//   - gridbot_tick_errors_total{symbol}          control-loop ticks that failed or panicked
//   - gridbot_integrity_errors_total{symbol}     fills that disagreed with the position
//   - gridbot_tick_duration_seconds{symbol}      control-loop tick latency
//   - gridbot_position_quantity{symbol}          held shares
//   - gridbot_average_price{symbol}              position average price
//   - gridbot_pnl{symbol,kind}                   realized / unrealized PnL
//   - gridbot_last_price{symbol}                 last accepted price
//   - gridbot_active_levels{symbol,side}         working grid orders
//   - gridbot_state{symbol}                      orchestrator state as an integer
//
// Collectors are registered in init() and served at /metrics by the api package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_orders_total",
			Help: "Grid order submissions by outcome",
		},
		[]string{"symbol", "side", "result"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_fills_total",
			Help: "Fills applied to the grid position",
		},
		[]string{"symbol", "side"},
	)

	TickErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_tick_errors_total",
			Help: "Control-loop ticks that failed",
		},
		[]string{"symbol"},
	)

	IntegrityErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_integrity_errors_total",
			Help: "Fills rejected because they disagree with the tracked position",
		},
		[]string{"symbol"},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbot_tick_duration_seconds",
			Help:    "Duration of one control-loop tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"symbol"},
	)

	PositionQuantity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_position_quantity",
			Help: "Shares held by the grid",
		},
		[]string{"symbol"},
	)

	AveragePrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_average_price",
			Help: "Average entry price of the grid position",
		},
		[]string{"symbol"},
	)

	PnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_pnl",
			Help: "Grid PnL split by kind (realized|unrealized)",
		},
		[]string{"symbol", "kind"},
	)

	LastPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_last_price",
			Help: "Last accepted market price",
		},
		[]string{"symbol"},
	)

	ActiveLevels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_active_levels",
			Help: "Working grid orders by side",
		},
		[]string{"symbol", "side"},
	)

	State = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_state",
			Help: "Orchestrator state (0 uninitialized .. 4 stopped)",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		Fills,
		TickErrors,
		IntegrityErrors,
		TickDuration,
		PositionQuantity,
		AveragePrice,
		PnL,
		LastPrice,
		ActiveLevels,
		State,
	)
}
