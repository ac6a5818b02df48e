package market

import (
	"fmt"
	"testing"
	"time"
)

func trendCandles(n int, start, step float64) []Candle {
	candles := make([]Candle, n)
	price := start
	for i := range candles {
		candles[i] = Candle{
			OpenTime: time.Now().Add(time.Duration(i-n) * time.Minute),
			Open:     price,
			High:     price + step + 0.5,
			Low:      price - 0.5,
			Close:    price + step,
			Volume:   100,
		}
		price += step
	}
	return candles
}

func TestComputeADXUptrend(t *testing.T) {
	candles := trendCandles(60, 100, 1)

	adx, pdi, mdi, err := ComputeADX(candles, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adx < adxTrendThreshold {
		t.Errorf("steady uptrend should produce a strong ADX, got %.2f", adx)
	}
	if pdi <= mdi {
		t.Errorf("uptrend should have +DI > -DI, got +DI=%.2f -DI=%.2f", pdi, mdi)
	}
}

func TestComputeADXDowntrend(t *testing.T) {
	candles := trendCandles(60, 200, -1)

	adx, pdi, mdi, err := ComputeADX(candles, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adx < adxTrendThreshold {
		t.Errorf("steady downtrend should produce a strong ADX, got %.2f", adx)
	}
	if mdi <= pdi {
		t.Errorf("downtrend should have -DI > +DI, got +DI=%.2f -DI=%.2f", pdi, mdi)
	}
}

func TestComputeADXNotEnoughCandles(t *testing.T) {
	if _, _, _, err := ComputeADX(trendCandles(10, 100, 1), 14); err == nil {
		t.Error("expected an error with too few candles")
	}
}

func TestComputeATR(t *testing.T) {
	// Constant range of 2 with no gaps: ATR converges to 2
	candles := make([]Candle, 30)
	for i := range candles {
		candles[i] = Candle{Open: 100, High: 101, Low: 99, Close: 100}
	}
	atr, err := ComputeATR(candles, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atr < 1.99 || atr > 2.01 {
		t.Errorf("expected ATR near 2.0, got %.4f", atr)
	}
}

func TestClassifyRegime(t *testing.T) {
	tests := []struct {
		name     string
		adx      float64
		pdi, mdi float64
		expected Regime
	}{
		{"weak trend", 15, 30, 10, RegimeNeutral},
		{"strong up", 30, 30, 10, RegimeStrongUp},
		{"strong down", 30, 10, 30, RegimeStrongDown},
		{"threshold boundary", 24.9, 40, 5, RegimeNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyRegime(tt.adx, tt.pdi, tt.mdi); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestRegimeTrackerConfirmation(t *testing.T) {
	tr := NewRegimeTracker()

	tr.Update(RegimeStrongDown)
	if tr.Confirmed(RegimeStrongDown, 2) {
		t.Error("one cycle must not confirm a flip")
	}

	tr.Update(RegimeStrongDown)
	if !tr.Confirmed(RegimeStrongDown, 2) {
		t.Error("two consecutive cycles should confirm the flip")
	}

	// A neutral cycle resets the streak
	tr.Update(RegimeNeutral)
	tr.Update(RegimeStrongDown)
	if tr.Confirmed(RegimeStrongDown, 2) {
		t.Error("streak must restart after an interruption")
	}
}

type failingSource struct {
	candles []Candle
	fail    bool
}

func (s *failingSource) Klines(symbol, interval string, limit int) ([]Candle, error) {
	if s.fail {
		return nil, fmt.Errorf("exchange unreachable")
	}
	return s.candles, nil
}

func TestADXProviderStaleFallback(t *testing.T) {
	src := &failingSource{candles: trendCandles(60, 100, 1)}
	p := NewADXProvider(src, "15m", 14)

	snap, err := p.Snapshot("BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Stale {
		t.Error("fresh snapshot must not be stale")
	}
	if snap.Regime != RegimeStrongUp {
		t.Errorf("expected strong-up, got %s", snap.Regime)
	}

	src.fail = true
	snap2, err := p.Snapshot("BTCUSDT")
	if err != nil {
		t.Fatalf("outage with a cached snapshot should not fail: %v", err)
	}
	if !snap2.Stale {
		t.Error("carry-over snapshot must be flagged stale")
	}
	if snap2.Regime != snap.Regime {
		t.Error("carry-over must preserve the last regime")
	}

	// No cache at all: the outage surfaces
	p2 := NewADXProvider(&failingSource{fail: true}, "15m", 14)
	if _, err := p2.Snapshot("ETHUSDT"); err == nil {
		t.Error("expected an error with no cached snapshot")
	}
}

func TestPriceCacheExpiry(t *testing.T) {
	c := NewPriceCache(20 * time.Millisecond)
	c.Set("BTCUSDT", 50000)

	if p, ok := c.Get("BTCUSDT"); !ok || p != 50000 {
		t.Fatalf("expected fresh price 50000, got %.2f ok=%v", p, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("BTCUSDT"); ok {
		t.Error("expired entry must not be returned")
	}

	if _, ok := c.Get("ETHUSDT"); ok {
		t.Error("unknown symbol must miss")
	}
}
