package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"gridbot/logger"
)

// priceFields are tried in order when extracting a price from a payload.
var priceFields = []string{"price", "last_price", "lastPrice", "matchPrice", "close", "current_price"}

// StreamConfig configures a StreamingFeed.
type StreamConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	HistorySize      int
}

// StreamingFeed receives pushed ticks over a websocket market-data gateway.
type StreamingFeed struct {
	tickCache

	cfg    StreamConfig
	dialer websocket.Dialer

	connMu sync.Mutex // guards conn, topics and all writes to conn
	conn   *websocket.Conn
	topics map[string]struct{}
	reqID  int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewStreamingFeed(cfg StreamConfig) *StreamingFeed {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	f := &StreamingFeed{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	f.setup(cfg.HistorySize)
	return f
}

func (f *StreamingFeed) Name() string { return "stream" }

// Start dials the gateway, replays subscriptions and starts the reader.
func (f *StreamingFeed) Start(ctx context.Context) error {
	if err := f.connect(ctx); err != nil {
		return err
	}
	f.wg.Add(1)
	go f.readMessages()
	return nil
}

func (f *StreamingFeed) connect(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("price stream connection failed: %w", err)
	}

	f.connMu.Lock()
	if f.closed() {
		f.connMu.Unlock()
		conn.Close()
		return fmt.Errorf("price stream closed")
	}
	f.conn = conn
	topics := make([]string, 0, len(f.topics))
	for t := range f.topics {
		topics = append(topics, t)
	}
	var subErr error
	if len(topics) > 0 {
		subErr = f.writeSubscribeLocked(topics)
	}
	f.connMu.Unlock()

	if subErr != nil {
		return fmt.Errorf("price stream subscribe failed: %w", subErr)
	}
	logger.Infof("📡 Price stream connected: %s (%d topics)", f.cfg.URL, len(topics))
	return nil
}

// Subscribe registers handler for topic and subscribes on the live connection if any.
func (f *StreamingFeed) Subscribe(topic string, handler TickHandler) {
	f.addHandler(topic, handler)

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if _, ok := f.topics[topic]; ok {
		return
	}
	f.topics[topic] = struct{}{}
	if f.conn != nil {
		if err := f.writeSubscribeLocked([]string{topic}); err != nil {
			logger.Warnf("⚠️  Price stream subscribe %s failed: %v", topic, err)
		}
	}
}

func (f *StreamingFeed) writeSubscribeLocked(topics []string) error {
	f.reqID++
	return f.conn.WriteJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": topics,
		"id":     f.reqID,
	})
}

func (f *StreamingFeed) readMessages() {
	defer f.wg.Done()
	for {
		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if f.closed() {
				return
			}
			logger.Warnf("⚠️  Price stream read failed: %v", err)
			if !f.reconnect() {
				return
			}
			continue
		}
		f.handleMessage(message)
	}
}

// reconnect retries until connected or closed.
func (f *StreamingFeed) reconnect() bool {
	for {
		select {
		case <-f.done:
			return false
		case <-time.After(f.cfg.ReconnectDelay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.HandshakeTimeout)
		err := f.connect(ctx)
		cancel()
		if err == nil {
			return true
		}
		logger.Warnf("⚠️  Price stream reconnection failed: %v", err)
	}
}

func (f *StreamingFeed) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *StreamingFeed) handleMessage(message []byte) {
	var envelope struct {
		Topic  string          `json:"topic"`
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		logger.Debugf("price stream: unparseable message: %v", err)
		return
	}

	payload := json.RawMessage(message)
	if len(envelope.Data) > 0 {
		payload = envelope.Data
	}
	price, symbol, ok := ParsePricePayload(payload)
	if !ok {
		return
	}

	topic := envelope.Topic
	if topic == "" {
		topic = envelope.Stream
	}
	if symbol == "" {
		symbol = symbolFromTopic(topic)
	}
	if topic == "" && symbol != "" {
		topic = TickTopic(symbol)
	}

	f.publish(topic, Tick{Symbol: symbol, Price: price, Time: f.now(), Source: f.Name()})
}

// Close stops the reader and closes the connection. Safe to call more than once.
func (f *StreamingFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		f.connMu.Lock()
		if f.conn != nil {
			err = f.conn.Close()
			f.conn = nil
		}
		f.connMu.Unlock()
		f.wg.Wait()
	})
	return err
}

// ParsePricePayload extracts a positive price from a tick or order-book
// payload. Order books yield the best bid/ask mid price.
func ParsePricePayload(payload []byte) (price decimal.Decimal, symbol string, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return decimal.Zero, "", false
	}
	if raw, has := fields["symbol"]; has {
		_ = json.Unmarshal(raw, &symbol)
	}

	for _, name := range priceFields {
		if raw, has := fields[name]; has {
			if p, valid := parseDecimal(raw); valid {
				return p, symbol, true
			}
		}
	}

	bid, hasBid := bestLevel(fields["bids"])
	ask, hasAsk := bestLevel(fields["asks"])
	if hasBid && hasAsk {
		return bid.Add(ask).Div(decimal.NewFromInt(2)), symbol, true
	}
	return decimal.Zero, symbol, false
}

// bestLevel reads the first entry of a bids/asks array, either [price, qty]
// or {"price": p}.
func bestLevel(raw json.RawMessage) (decimal.Decimal, bool) {
	var levels []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &levels) != nil || len(levels) == 0 {
		return decimal.Zero, false
	}
	first := bytes.TrimSpace(levels[0])
	if len(first) == 0 {
		return decimal.Zero, false
	}
	switch first[0] {
	case '[':
		var pair []json.RawMessage
		if json.Unmarshal(first, &pair) != nil || len(pair) == 0 {
			return decimal.Zero, false
		}
		return parseDecimal(pair[0])
	case '{':
		var obj map[string]json.RawMessage
		if json.Unmarshal(first, &obj) != nil {
			return decimal.Zero, false
		}
		return parseDecimal(obj["price"])
	}
	return decimal.Zero, false
}

func parseDecimal(raw json.RawMessage) (decimal.Decimal, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(s)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

func symbolFromTopic(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 && i < len(topic)-1 {
		return topic[i+1:]
	}
	return ""
}
