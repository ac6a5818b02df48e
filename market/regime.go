// Package market supplies the engine's market-data inputs: candles, the
// coarse trend-regime signal derived from them, and a streamed price cache.
package market

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Regime is the coarse trend signal gating which side may enter.
type Regime string

const (
	RegimeStrongUp   Regime = "strong-up"
	RegimeNeutral    Regime = "neutral"
	RegimeStrongDown Regime = "strong-down"
)

// AllowsLong reports whether long entries are permitted in this regime.
func (r Regime) AllowsLong() bool { return r != RegimeStrongDown }

// AllowsShort reports whether short entries are permitted in this regime.
func (r Regime) AllowsShort() bool { return r != RegimeStrongUp }

// adxTrendThreshold is the ADX value above which the trend counts as strong.
const adxTrendThreshold = 25.0

// ComputeADX returns Wilder's ADX plus the directional index pair for the
// final candle. Needs at least 2*period+1 candles for a stable value.
func ComputeADX(candles []Candle, period int) (adx, plusDI, minusDI float64, err error) {
	if period <= 0 {
		return 0, 0, 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < 2*period+1 {
		return 0, 0, 0, fmt.Errorf("not enough candles: need %d, got %d", 2*period+1, len(candles))
	}

	var tr14, pdm14, mdm14 float64
	var dxSum float64
	dxCount := 0

	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]

		upMove := c.High - prev.High
		downMove := prev.Low - c.Low

		var pdm, mdm float64
		if upMove > downMove && upMove > 0 {
			pdm = upMove
		}
		if downMove > upMove && downMove > 0 {
			mdm = downMove
		}
		tr := trueRange(c, prev)

		if i <= period {
			// Warmup: accumulate initial sums, convert to averages at the boundary
			tr14 += tr
			pdm14 += pdm
			mdm14 += mdm
			if i == period {
				p := float64(period)
				tr14 /= p
				pdm14 /= p
				mdm14 /= p
			}
			continue
		}

		// Wilder smoothing
		p := float64(period)
		tr14 = (tr14*(p-1) + tr) / p
		pdm14 = (pdm14*(p-1) + pdm) / p
		mdm14 = (mdm14*(p-1) + mdm) / p

		if tr14 == 0 {
			continue
		}
		plusDI = 100 * pdm14 / tr14
		minusDI = 100 * mdm14 / tr14
		den := plusDI + minusDI
		if den == 0 {
			continue
		}
		dx := 100 * math.Abs(plusDI-minusDI) / den

		dxCount++
		if dxCount <= period {
			dxSum += dx
			adx = dxSum / float64(dxCount)
		} else {
			adx = (adx*(p-1) + dx) / p
		}
	}

	return adx, plusDI, minusDI, nil
}

// ComputeATR returns the Wilder-smoothed Average True Range.
func ComputeATR(candles []Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("not enough candles: need %d, got %d", period+1, len(candles))
	}

	var atr float64
	for i := 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1])
		if i <= period {
			atr += tr
			if i == period {
				atr /= float64(period)
			}
			continue
		}
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}

func trueRange(c, prev Candle) float64 {
	a := c.High - c.Low
	b := math.Abs(c.High - prev.Close)
	d := math.Abs(c.Low - prev.Close)
	return math.Max(a, math.Max(b, d))
}

// ClassifyRegime maps ADX trend strength and DI direction onto the coarse
// regime signal.
func ClassifyRegime(adx, plusDI, minusDI float64) Regime {
	if adx < adxTrendThreshold {
		return RegimeNeutral
	}
	if plusDI > minusDI {
		return RegimeStrongUp
	}
	return RegimeStrongDown
}

// Snapshot bundles the signal with the volatility the ladder is sized from.
type Snapshot struct {
	Regime Regime
	ATR    float64
	Close  float64
	Stale  bool // true when market data was unavailable and this is a carry-over
}

// Provider produces the per-symbol market snapshot the engine consumes.
type Provider interface {
	Snapshot(symbol string) (*Snapshot, error)
}

// KlineSource fetches recent candles for a symbol.
type KlineSource interface {
	Klines(symbol, interval string, limit int) ([]Candle, error)
}

// ADXProvider derives the regime snapshot from candles, caching the last
// good value so a data outage degrades to a flagged-stale carry-over
// instead of failing the session.
type ADXProvider struct {
	source   KlineSource
	interval string
	period   int

	mu    sync.Mutex
	cache map[string]*Snapshot
}

// NewADXProvider builds a provider over source with an ADX/ATR period.
func NewADXProvider(source KlineSource, interval string, period int) *ADXProvider {
	if period <= 0 {
		period = 14
	}
	return &ADXProvider{
		source:   source,
		interval: interval,
		period:   period,
		cache:    make(map[string]*Snapshot),
	}
}

// Snapshot computes the current regime/ATR for symbol, or returns the
// previous snapshot flagged stale when candles cannot be fetched.
func (p *ADXProvider) Snapshot(symbol string) (*Snapshot, error) {
	candles, err := p.source.Klines(symbol, p.interval, 3*p.period+2)
	if err != nil {
		p.mu.Lock()
		prev, ok := p.cache[symbol]
		p.mu.Unlock()
		if ok {
			stale := *prev
			stale.Stale = true
			return &stale, nil
		}
		return nil, fmt.Errorf("failed to fetch candles for %s: %w", symbol, err)
	}

	adx, pdi, mdi, err := ComputeADX(candles, p.period)
	if err != nil {
		return nil, err
	}
	atr, err := ComputeATR(candles, p.period)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Regime: ClassifyRegime(adx, pdi, mdi),
		ATR:    atr,
		Close:  candles[len(candles)-1].Close,
	}

	p.mu.Lock()
	p.cache[symbol] = snap
	p.mu.Unlock()
	return snap, nil
}

// RegimeTracker counts consecutive reconciliation cycles spent in each
// strong regime so a flip is only acted on after it persists.
type RegimeTracker struct {
	current Regime
	streak  int
}

// NewRegimeTracker starts in neutral.
func NewRegimeTracker() *RegimeTracker {
	return &RegimeTracker{current: RegimeNeutral}
}

// Update records this cycle's regime and returns the streak length.
func (t *RegimeTracker) Update(r Regime) int {
	if r == t.current {
		t.streak++
	} else {
		t.current = r
		t.streak = 1
	}
	return t.streak
}

// Confirmed reports whether regime r has held for at least n cycles.
func (t *RegimeTracker) Confirmed(r Regime, n int) bool {
	return t.current == r && t.streak >= n
}

// Current returns the last observed regime.
func (t *RegimeTracker) Current() Regime {
	return t.current
}
