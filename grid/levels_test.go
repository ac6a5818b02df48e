package grid

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridops/market"
)

// stubProvider serves canned snapshots and can be flipped into outage.
type stubProvider struct {
	snap *market.Snapshot
	fail bool
}

func (p *stubProvider) Snapshot(symbol string) (*market.Snapshot, error) {
	if p.fail {
		return nil, fmt.Errorf("market data unavailable")
	}
	s := *p.snap
	return &s, nil
}

func neutralSnapshot(close, atr float64) *market.Snapshot {
	return &market.Snapshot{Regime: market.RegimeNeutral, ATR: atr, Close: close}
}

func TestComputeMonotonicLadder(t *testing.T) {
	calc := NewLevelCalculator(&stubProvider{snap: neutralSnapshot(100, 1)})

	ladder, err := calc.Compute("BTCUSDT", 8)
	require.NoError(t, err)
	require.Len(t, ladder.Levels, 9)

	for i := 1; i < len(ladder.Levels); i++ {
		assert.Greater(t, ladder.Levels[i], ladder.Levels[i-1],
			"levels must be strictly ascending at index %d", i)
	}
}

func TestComputeSoftBoundaries(t *testing.T) {
	calc := NewLevelCalculator(&stubProvider{snap: neutralSnapshot(100, 1)})

	ladder, err := calc.Compute("BTCUSDT", 6)
	require.NoError(t, err)

	low := ladder.Levels[0]
	high := ladder.Levels[len(ladder.Levels)-1]
	assert.InDelta(t, low*(1-boundaryPad), ladder.Lower, 1e-9)
	assert.InDelta(t, high*(1+boundaryPad), ladder.Upper, 1e-9)

	assert.True(t, ladder.BelowLower(ladder.Lower*0.999))
	assert.False(t, ladder.BelowLower(low))
	assert.True(t, ladder.AboveUpper(ladder.Upper*1.001))
	assert.False(t, ladder.AboveUpper(high))
}

func TestComputeRegimeSkew(t *testing.T) {
	neutral := NewLevelCalculator(&stubProvider{snap: neutralSnapshot(100, 1)})
	up := NewLevelCalculator(&stubProvider{snap: &market.Snapshot{Regime: market.RegimeStrongUp, ATR: 1, Close: 100}})

	nl, err := neutral.Compute("BTCUSDT", 6)
	require.NoError(t, err)
	ul, err := up.Compute("BTCUSDT", 6)
	require.NoError(t, err)

	// A strong uptrend shifts the whole ladder upward
	assert.Greater(t, ul.Levels[0], nl.Levels[0])
}

func TestComputeStaleFallback(t *testing.T) {
	provider := &stubProvider{snap: neutralSnapshot(100, 1)}
	calc := NewLevelCalculator(provider)

	fresh, err := calc.Compute("BTCUSDT", 5)
	require.NoError(t, err)
	require.False(t, fresh.Stale)

	provider.fail = true
	stale, err := calc.Compute("BTCUSDT", 5)
	require.NoError(t, err, "outage with a cached ladder must not fail")
	assert.True(t, stale.Stale)
	assert.Equal(t, fresh.Levels, stale.Levels)

	// No cache at all surfaces the failure
	cold := NewLevelCalculator(&stubProvider{fail: true})
	_, err = cold.Compute("ETHUSDT", 5)
	assert.Error(t, err)
}

func TestComputeDegenerateATR(t *testing.T) {
	// Zero ATR falls back to a price-fraction spacing, still monotonic
	calc := NewLevelCalculator(&stubProvider{snap: neutralSnapshot(100, 0)})
	ladder, err := calc.Compute("BTCUSDT", 5)
	require.NoError(t, err)

	for i := 1; i < len(ladder.Levels); i++ {
		assert.Greater(t, ladder.Levels[i], ladder.Levels[i-1])
	}
}

func TestNearestLevels(t *testing.T) {
	ladder := &Ladder{
		Symbol: "BTCUSDT",
		Levels: []float64{96, 98, 100, 102, 104},
		Lower:  96 * (1 - boundaryPad),
		Upper:  104 * (1 + boundaryPad),
	}

	below, ok := ladder.NearestBelow(99)
	require.True(t, ok)
	assert.Equal(t, 1, below)

	above, ok := ladder.NearestAbove(99)
	require.True(t, ok)
	assert.Equal(t, 2, above)

	// Exactly on a level counts as below
	onLevel, ok := ladder.NearestBelow(100)
	require.True(t, ok)
	assert.Equal(t, 2, onLevel)

	_, ok = ladder.NearestBelow(90)
	assert.False(t, ok, "price under the whole ladder has no level below")

	_, ok = ladder.NearestAbove(110)
	assert.False(t, ok, "price above the whole ladder has no level above")
}

func TestGridNumValidation(t *testing.T) {
	calc := NewLevelCalculator(&stubProvider{snap: neutralSnapshot(100, 1)})
	_, err := calc.Compute("BTCUSDT", 1)
	assert.Error(t, err)
}
