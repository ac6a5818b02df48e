// Package grid implements the order-lifecycle engine: ladder computation,
// entry decisions, fill and take-profit monitoring, periodic reconciliation,
// and the per-session run loop.
package grid

import (
	"fmt"
	"sync"
	"time"

	"gridops/logger"
	"gridops/market"
)

// boundaryPad is how far beyond the end levels the soft boundaries sit.
const boundaryPad = 0.008

// atrSpacingFactor scales ATR into the distance between adjacent levels.
const atrSpacingFactor = 0.5

// Ladder is one computed set of grid levels for a symbol. Levels are
// strictly ascending; Lower/Upper are the soft boundary prices beyond the
// end levels that trigger a full flatten instead of a partial entry.
type Ladder struct {
	Symbol     string
	Levels     []float64
	Lower      float64
	Upper      float64
	Regime     market.Regime
	ATR        float64
	Stale      bool
	ComputedAt time.Time
}

// Price returns the level price at index i.
func (l *Ladder) Price(i int) float64 {
	return l.Levels[i]
}

// Size returns the number of levels.
func (l *Ladder) Size() int {
	return len(l.Levels)
}

// NearestBelow returns the index of the highest level at or below price.
// ok is false when price is below the whole ladder.
func (l *Ladder) NearestBelow(price float64) (int, bool) {
	idx := -1
	for i, lv := range l.Levels {
		if lv <= price {
			idx = i
		} else {
			break
		}
	}
	if idx < 0 {
		return 0, false
	}
	return idx, true
}

// NearestAbove returns the index of the lowest level above price.
// ok is false when price is above the whole ladder.
func (l *Ladder) NearestAbove(price float64) (int, bool) {
	for i, lv := range l.Levels {
		if lv > price {
			return i, true
		}
	}
	return 0, false
}

// BelowLower reports whether price has exited the ladder downward.
func (l *Ladder) BelowLower(price float64) bool {
	return price < l.Lower
}

// AboveUpper reports whether price has exited the ladder upward.
func (l *Ladder) AboveUpper(price float64) bool {
	return price > l.Upper
}

// LevelCalculator computes ladders from market snapshots and keeps the
// last good ladder per symbol so a data outage degrades to a stale
// carry-over instead of failing the session.
type LevelCalculator struct {
	provider market.Provider

	mu    sync.Mutex
	cache map[string]*Ladder
}

// NewLevelCalculator builds a calculator over the market provider.
func NewLevelCalculator(provider market.Provider) *LevelCalculator {
	return &LevelCalculator{
		provider: provider,
		cache:    make(map[string]*Ladder),
	}
}

// Compute builds a fresh ladder of gridNum+1 levels centered on the
// current close, spaced by ATR and skewed by the regime so the favored
// side gets more room. Falls back to the cached ladder flagged stale when
// market data is unavailable.
func (c *LevelCalculator) Compute(symbol string, gridNum int) (*Ladder, error) {
	if gridNum < 2 {
		return nil, fmt.Errorf("grid num must be at least 2, got %d", gridNum)
	}

	snap, err := c.provider.Snapshot(symbol)
	if err != nil {
		c.mu.Lock()
		prev, ok := c.cache[symbol]
		c.mu.Unlock()
		if ok {
			logger.Warnf("⚠️ %s market data unavailable, reusing ladder from %s: %v",
				symbol, prev.ComputedAt.Format(time.RFC3339), err)
			stale := *prev
			stale.Stale = true
			return &stale, nil
		}
		return nil, fmt.Errorf("failed to compute ladder for %s: %w", symbol, err)
	}

	ladder := buildLadder(symbol, gridNum, snap)
	if err := checkMonotonic(ladder); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[symbol] = ladder
	c.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"symbol": symbol,
		"levels": len(ladder.Levels),
		"low":    ladder.Levels[0],
		"high":   ladder.Levels[len(ladder.Levels)-1],
		"regime": ladder.Regime,
	}).Debug("Ladder recomputed")
	return ladder, nil
}

// Cached returns the last computed ladder for symbol, if any.
func (c *LevelCalculator) Cached(symbol string) (*Ladder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.cache[symbol]
	return l, ok
}

func buildLadder(symbol string, gridNum int, snap *market.Snapshot) *Ladder {
	spacing := snap.ATR * atrSpacingFactor
	if spacing <= 0 || spacing >= snap.Close*0.05 {
		// Degenerate ATR, fall back to a fixed fraction of price
		spacing = snap.Close * 0.005
	}

	// Skew the center so the favored side gets more levels: in a strong
	// uptrend longs buy dips, so most of the ladder sits below price.
	center := snap.Close
	switch snap.Regime {
	case market.RegimeStrongUp:
		center += spacing * float64(gridNum) * 0.15
	case market.RegimeStrongDown:
		center -= spacing * float64(gridNum) * 0.15
	}

	n := gridNum + 1
	levels := make([]float64, n)
	start := center - spacing*float64(gridNum)/2
	for i := 0; i < n; i++ {
		levels[i] = start + spacing*float64(i)
	}

	return &Ladder{
		Symbol:     symbol,
		Levels:     levels,
		Lower:      levels[0] * (1 - boundaryPad),
		Upper:      levels[n-1] * (1 + boundaryPad),
		Regime:     snap.Regime,
		ATR:        snap.ATR,
		Stale:      snap.Stale,
		ComputedAt: time.Now(),
	}
}

func checkMonotonic(l *Ladder) error {
	for i := 1; i < len(l.Levels); i++ {
		if l.Levels[i] <= l.Levels[i-1] {
			return fmt.Errorf("ladder for %s not strictly ascending at index %d", l.Symbol, i)
		}
	}
	return nil
}
