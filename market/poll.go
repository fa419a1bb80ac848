package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridbot/logger"
	"gridbot/trader/types"
)

// PollConfig configures a PollingFeed.
type PollConfig struct {
	Symbol      string
	Interval    time.Duration
	Timeout     time.Duration
	HistorySize int
}

// PollingFeed queries a PricePoller on a fixed interval.
type PollingFeed struct {
	tickCache

	cfg    PollConfig
	poller types.PricePoller

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPollingFeed(poller types.PricePoller, cfg PollConfig) *PollingFeed {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	f := &PollingFeed{
		cfg:    cfg,
		poller: poller,
		stopCh: make(chan struct{}),
	}
	f.setup(cfg.HistorySize)
	return f
}

func (f *PollingFeed) Name() string { return "poll" }

func (f *PollingFeed) Subscribe(topic string, handler TickHandler) {
	f.addHandler(topic, handler)
}

// Start polls once synchronously so a broken backend fails fast, then
// keeps polling in the background.
func (f *PollingFeed) Start(ctx context.Context) error {
	if err := f.poll(ctx); err != nil {
		return err
	}
	f.wg.Add(1)
	go f.run()
	logger.Infof("🔁 Price polling started for %s every %v", f.cfg.Symbol, f.cfg.Interval)
	return nil
}

func (f *PollingFeed) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := f.poll(context.Background()); err != nil {
				logger.Warnf("⚠️  Price poll for %s failed: %v", f.cfg.Symbol, err)
			}
		}
	}
}

func (f *PollingFeed) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	price, err := f.poller.PollPrice(ctx, f.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("poll price %s: %w", f.cfg.Symbol, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("poll price %s: non-positive price %s", f.cfg.Symbol, price)
	}
	f.publish(TickTopic(f.cfg.Symbol), Tick{Symbol: f.cfg.Symbol, Price: price, Time: f.now(), Source: f.Name()})
	return nil
}

// Close stops background polling. Safe to call more than once.
func (f *PollingFeed) Close() error {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		f.wg.Wait()
	})
	return nil
}
