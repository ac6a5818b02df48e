package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridops/logger"
)

const markStreamURL = "wss://fstream.binance.com/stream"

// PriceCache holds the latest streamed mark price per symbol with a
// freshness window. A miss or an expired entry tells the caller to fall
// back to the REST ticker.
type PriceCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]priceEntry
}

type priceEntry struct {
	price float64
	at    time.Time
}

// NewPriceCache creates a cache whose entries expire after ttl.
func NewPriceCache(ttl time.Duration) *PriceCache {
	return &PriceCache{ttl: ttl, entries: make(map[string]priceEntry)}
}

// Set records the latest price for symbol.
func (c *PriceCache) Set(symbol string, price float64) {
	c.mu.Lock()
	c.entries[symbol] = priceEntry{price: price, at: time.Now()}
	c.mu.Unlock()
}

// Get returns the cached price and whether it is still fresh.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok || time.Since(e.at) > c.ttl {
		return 0, false
	}
	return e.price, true
}

// MarkStream maintains a combined-stream websocket subscription to mark
// prices and feeds a PriceCache. It reconnects on read failure and
// re-subscribes everything it was asked to watch.
type MarkStream struct {
	cache *PriceCache

	mu        sync.RWMutex
	conn      *websocket.Conn
	symbols   map[string]struct{}
	reconnect bool
	done      chan struct{}
}

// NewMarkStream builds a stream feeding cache. Call Connect before
// Subscribe.
func NewMarkStream(cache *PriceCache) *MarkStream {
	return &MarkStream{
		cache:     cache,
		symbols:   make(map[string]struct{}),
		reconnect: true,
		done:      make(chan struct{}),
	}
}

// Connect dials the combined-stream endpoint and starts the read loop.
func (s *MarkStream) Connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.Dial(markStreamURL, nil)
	if err != nil {
		return fmt.Errorf("mark stream connection failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	logger.Info("📡 Mark price stream connected")
	go s.readMessages()
	return nil
}

// Subscribe begins streaming mark prices for symbol. Safe to call for a
// symbol that is already subscribed.
func (s *MarkStream) Subscribe(symbol string) error {
	s.mu.Lock()
	if _, ok := s.symbols[symbol]; ok {
		s.mu.Unlock()
		return nil
	}
	s.symbols[symbol] = struct{}{}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("mark stream not connected")
	}
	return s.sendSubscribe(conn, []string{symbol})
}

// Unsubscribe stops streaming symbol. The cache entry is left to expire.
func (s *MarkStream) Unsubscribe(symbol string) error {
	s.mu.Lock()
	delete(s.symbols, symbol)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": []string{markStreamName(symbol)},
		"id":     time.Now().UnixNano(),
	}
	return conn.WriteJSON(msg)
}

func (s *MarkStream) sendSubscribe(conn *websocket.Conn, symbols []string) error {
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = markStreamName(sym)
	}
	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}
	return conn.WriteJSON(msg)
}

func markStreamName(symbol string) string {
	return fmt.Sprintf("%s@markPrice@1s", strings.ToLower(symbol))
}

func (s *MarkStream) readMessages() {
	for {
		select {
		case <-s.done:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()

			if conn == nil {
				time.Sleep(time.Second)
				continue
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				logger.Warnf("Mark stream read failed: %v", err)
				s.handleReconnect()
				return
			}

			s.handleMessage(message)
		}
	}
}

func (s *MarkStream) handleMessage(message []byte) {
	var combined struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &combined); err != nil {
		logger.Warnf("Failed to parse stream message: %v", err)
		return
	}
	if !strings.Contains(combined.Stream, "@markPrice") {
		return
	}

	var ev struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	}
	if err := json.Unmarshal(combined.Data, &ev); err != nil {
		logger.Warnf("Failed to parse mark price event: %v", err)
		return
	}
	price := parsePrice(ev.Price)
	if price <= 0 {
		return
	}
	s.cache.Set(ev.Symbol, price)
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func (s *MarkStream) handleReconnect() {
	if !s.reconnect {
		return
	}

	logger.Info("Mark stream reconnecting...")
	time.Sleep(3 * time.Second)

	if err := s.Connect(); err != nil {
		logger.Warnf("Mark stream reconnection failed: %v", err)
		go s.handleReconnect()
		return
	}

	// Restore every subscription on the new connection
	s.mu.RLock()
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	conn := s.conn
	s.mu.RUnlock()

	if len(symbols) > 0 {
		if err := s.sendSubscribe(conn, symbols); err != nil {
			logger.Warnf("Mark stream re-subscribe failed: %v", err)
		}
	}
}

// Close stops the stream permanently.
func (s *MarkStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reconnect {
		return
	}
	s.reconnect = false
	close(s.done)

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
