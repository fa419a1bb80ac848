package market

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultHistorySize = 1000
	minTrendSamples    = 10
	trendThreshold     = 0.005
)

// Trend is a coarse direction derived from recent samples.
type Trend string

const (
	TrendUp       Trend = "UP"
	TrendDown     Trend = "DOWN"
	TrendSideways Trend = "SIDEWAYS"
	TrendUnknown  Trend = "UNKNOWN"
)

// PriceSample is a (time, price) pair.
type PriceSample struct {
	Time  time.Time
	Price decimal.Decimal
}

// PriceHistory is a bounded ring of recent samples, safe for concurrent use.
type PriceHistory struct {
	mu      sync.RWMutex
	samples []PriceSample
	next    int
	full    bool
}

func NewPriceHistory(size int) *PriceHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &PriceHistory{samples: make([]PriceSample, size)}
}

func (h *PriceHistory) Add(s PriceSample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = s
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
}

func (h *PriceHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// Latest returns the newest sample.
func (h *PriceHistory) Latest() (PriceSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full && h.next == 0 {
		return PriceSample{}, false
	}
	idx := (h.next - 1 + len(h.samples)) % len(h.samples)
	return h.samples[idx], true
}

// Recent returns up to n samples, oldest first. n <= 0 returns all.
func (h *PriceHistory) Recent(n int) []PriceSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := h.next
	start := 0
	if h.full {
		count = len(h.samples)
		start = h.next
	}
	if n > 0 && n < count {
		start = (start + count - n) % len(h.samples)
		count = n
	}
	out := make([]PriceSample, count)
	for i := 0; i < count; i++ {
		out[i] = h.samples[(start+i)%len(h.samples)]
	}
	return out
}

// Volatility is the population standard deviation of simple returns over the
// last window samples.
func (h *PriceHistory) Volatility(window int) float64 {
	samples := h.Recent(window)
	if len(samples) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].Price.InexactFloat64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (samples[i].Price.InexactFloat64()-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}

// Trend compares the average of the first and last quarter of the window.
func (h *PriceHistory) Trend(window int) Trend {
	samples := h.Recent(window)
	if len(samples) < minTrendSamples {
		return TrendUnknown
	}
	quarter := len(samples) / 4
	early := average(samples[:quarter])
	late := average(samples[len(samples)-quarter:])
	if early == 0 {
		return TrendUnknown
	}
	change := (late - early) / early
	switch {
	case change > trendThreshold:
		return TrendUp
	case change < -trendThreshold:
		return TrendDown
	default:
		return TrendSideways
	}
}

func average(samples []PriceSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Price.InexactFloat64()
	}
	return sum / float64(len(samples))
}
