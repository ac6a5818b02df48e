package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testScope() Scope {
	return Scope{Exchange: "binance", UserID: "u1", Symbol: "BTCUSDT"}
}

func TestAcquireLevelWonOnce(t *testing.T) {
	st := newTestStore(t)
	sc := testScope()

	won, err := st.Ledger().AcquireLevel(sc, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	again, err := st.Ledger().AcquireLevel(sc, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, again, "a held level must not be acquired twice")

	// A different level is independent
	other, err := st.Ledger().AcquireLevel(sc, 4, time.Minute)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestAcquireLevelConcurrent(t *testing.T) {
	st := newTestStore(t)
	sc := testScope()

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := st.Ledger().AcquireLevel(sc, 7, time.Minute)
			if err == nil && won {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one racer may win the level")
}

func TestAcquireLevelExpiry(t *testing.T) {
	st := newTestStore(t)
	sc := testScope()

	won, err := st.Ledger().AcquireLevel(sc, 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, won)

	time.Sleep(40 * time.Millisecond)

	reacquired, err := st.Ledger().AcquireLevel(sc, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, reacquired, "an expired claim must be reclaimable")
}

func TestResetLevel(t *testing.T) {
	st := newTestStore(t)
	sc := testScope()

	_, err := st.Ledger().AcquireLevel(sc, 2, time.Minute)
	require.NoError(t, err)

	require.NoError(t, st.Ledger().ResetLevel(sc, 2))

	placed, err := st.Ledger().IsLevelPlaced(sc, 2)
	require.NoError(t, err)
	assert.False(t, placed)
}

func TestResetAllLevelsIsScoped(t *testing.T) {
	st := newTestStore(t)
	sc := testScope()
	other := Scope{Exchange: "binance", UserID: "u2", Symbol: "BTCUSDT"}

	for _, s := range []Scope{sc, other} {
		_, err := st.Ledger().AcquireLevel(s, 0, time.Minute)
		require.NoError(t, err)
	}

	require.NoError(t, st.Ledger().ResetAllLevels(sc))

	placed, err := st.Ledger().IsLevelPlaced(sc, 0)
	require.NoError(t, err)
	assert.False(t, placed)

	placedOther, err := st.Ledger().IsLevelPlaced(other, 0)
	require.NoError(t, err)
	assert.True(t, placedOther, "another user's flags must survive")
}

func TestTakeProfitRoundTrip(t *testing.T) {
	st := newTestStore(t)
	sc := testScope()

	rec := &TakeProfitRecord{
		Level:       4,
		OrderID:     "123456",
		TargetPrice: 50500.5,
		Quantity:    0.25,
		Side:        "long",
		Active:      true,
	}
	require.NoError(t, st.Ledger().SetTakeProfit(sc, rec))

	got, err := st.Ledger().GetTakeProfit(sc, 4)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, "123456", got.OrderID)
	assert.InDelta(t, 50500.5, got.TargetPrice, 1e-9)

	// A level without a record yields an inactive zero record
	empty, err := st.Ledger().GetTakeProfit(sc, 9)
	require.NoError(t, err)
	assert.False(t, empty.Active)

	require.NoError(t, st.Ledger().ClearTakeProfit(sc, 4))
	cleared, err := st.Ledger().GetTakeProfit(sc, 4)
	require.NoError(t, err)
	assert.False(t, cleared.Active)
}

func TestClearTakeProfitsBySide(t *testing.T) {
	st := newTestStore(t)
	sc := testScope()

	for i, side := range []string{"long", "long", "short"} {
		require.NoError(t, st.Ledger().SetTakeProfit(sc, &TakeProfitRecord{
			Level: i, OrderID: "o", TargetPrice: 100, Quantity: 1, Side: side, Active: true,
		}))
	}

	require.NoError(t, st.Ledger().ClearTakeProfitsBySide(sc, "long"))

	longs, err := st.Ledger().ActiveTakeProfits(sc, "long")
	require.NoError(t, err)
	assert.Empty(t, longs)

	shorts, err := st.Ledger().ActiveTakeProfits(sc, "short")
	require.NoError(t, err)
	assert.Len(t, shorts, 1)
}

func TestSessionSaveIsIdempotent(t *testing.T) {
	st := newTestStore(t)

	rec := &SessionRecord{
		Exchange: "binance", UserID: "u1", Symbol: "ETHUSDT",
		GridNum: 5, Leverage: 3, Direction: "long-short",
		CapitalPlan: []float64{10, 20},
		Running:     true,
	}
	require.NoError(t, st.Session().Save(rec))

	first, err := st.Session().Get(rec.Scope())
	require.NoError(t, err)

	// A second start request for the same scope keeps the original identity
	again := *rec
	again.ID = ""
	require.NoError(t, st.Session().Save(&again))
	second, err := st.Session().Get(rec.Scope())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	running, err := st.Session().ListRunning("binance")
	require.NoError(t, err)
	assert.Len(t, running, 1, "re-initialization must not duplicate the replay set")
	assert.Equal(t, []float64{10, 20}, running[0].CapitalPlan)
}

func TestRunningFlagLifecycle(t *testing.T) {
	st := newTestStore(t)

	rec := &SessionRecord{
		Exchange: "okx", UserID: "u9", Symbol: "BTCUSDT",
		GridNum: 4, Direction: "long", Running: true,
	}
	require.NoError(t, st.Session().Save(rec))

	running, err := st.Session().IsRunning(rec.Scope())
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, st.Session().SetRunning(rec.Scope(), false))
	running, err = st.Session().IsRunning(rec.Scope())
	require.NoError(t, err)
	assert.False(t, running)

	listed, err := st.Session().ListRunning("okx")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestVolumeSince(t *testing.T) {
	st := newTestStore(t)
	sc := testScope()

	now := time.Now()
	fills := []*FillRecord{
		{Exchange: sc.Exchange, UserID: sc.UserID, Symbol: sc.Symbol, Side: "buy", Price: 100, Quantity: 1, Notional: 100, FilledAt: now.Add(-2 * time.Hour)},
		{Exchange: sc.Exchange, UserID: sc.UserID, Symbol: sc.Symbol, Side: "buy", Price: 100, Quantity: 2, Notional: 200, FilledAt: now.Add(-10 * time.Minute)},
		{Exchange: sc.Exchange, UserID: sc.UserID, Symbol: sc.Symbol, Side: "sell", Price: 101, Quantity: 1, Notional: 101, FilledAt: now.Add(-time.Minute)},
	}
	for _, f := range fills {
		require.NoError(t, st.Trade().RecordFill(f))
	}

	vol, err := st.Trade().VolumeSince(sc, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 301, vol, 1e-9)
}
