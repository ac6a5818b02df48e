package manager

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridops/config"
	"gridops/exchange"
	"gridops/grid"
	"gridops/market"
	"gridops/store"
)

type fixedProvider struct {
	snap *market.Snapshot
}

func (p *fixedProvider) Snapshot(symbol string) (*market.Snapshot, error) {
	s := *p.snap
	return &s, nil
}

type countingFactory struct {
	calls   atomic.Int64
	adapter *exchange.PaperAdapter
}

func (f *countingFactory) build(exchangeName, userID string) (exchange.Adapter, error) {
	f.calls.Add(1)
	return f.adapter, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Timeframe:      15 * time.Minute,
		PollInterval:   50 * time.Millisecond,
		PositionTTL:    time.Second,
		PriceListTTL:   time.Hour,
		LevelFlagTTL:   time.Minute,
		ClientIdleTTL:  time.Hour,
		MaxNotionalUSD: 1_000_000,
		PriceTolerance: 0.0003,
	}
}

func newTestOrchestrator(t *testing.T, st *store.Store) (*Orchestrator, *countingFactory) {
	t.Helper()

	adapter := exchange.NewPaperAdapter(100000)
	adapter.SetPrice("BTCUSDT", 99)
	adapter.SetPrice("ETHUSDT", 3000)

	factory := &countingFactory{adapter: adapter}
	provider := &fixedProvider{snap: &market.Snapshot{Regime: market.RegimeNeutral, ATR: 1, Close: 99}}

	orch := New(st, provider, nil, nil, factory.build, testConfig())
	t.Cleanup(orch.Close)
	return orch, factory
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func startRequest(symbol string) *StartRequest {
	return &StartRequest{
		Exchange:    "paper",
		UserID:      "u1",
		Symbol:      symbol,
		GridNum:     5,
		Leverage:    2,
		Direction:   "long",
		CapitalPlan: []float64{100, 200},
	}
}

func TestStartIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	orch, factory := newTestOrchestrator(t, st)

	req := startRequest("BTCUSDT")
	require.NoError(t, orch.Start(req))
	require.NoError(t, orch.Start(req))

	assert.Len(t, orch.Sessions(), 1)
	assert.Equal(t, int64(1), factory.calls.Load(), "the client pool must reuse the cached adapter")

	running, err := st.Session().IsRunning(req.scope())
	require.NoError(t, err)
	assert.True(t, running)
}

func TestStartValidation(t *testing.T) {
	st := newTestStore(t)
	orch, _ := newTestOrchestrator(t, st)

	cases := []struct {
		name string
		req  *StartRequest
	}{
		{"missing symbol", &StartRequest{Exchange: "paper", UserID: "u1", GridNum: 5, Direction: "long"}},
		{"grid too small", &StartRequest{Exchange: "paper", UserID: "u1", Symbol: "BTCUSDT", GridNum: 1, Direction: "long"}},
		{"bad direction", &StartRequest{Exchange: "paper", UserID: "u1", Symbol: "BTCUSDT", GridNum: 5, Direction: "sideways"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, orch.Start(tc.req))
		})
	}
	assert.Empty(t, orch.Sessions())
}

func TestStopIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	orch, _ := newTestOrchestrator(t, st)

	req := startRequest("BTCUSDT")
	require.NoError(t, orch.Start(req))

	require.NoError(t, orch.Stop(req.scope()))
	assert.Empty(t, orch.Sessions())

	running, err := st.Session().IsRunning(req.scope())
	require.NoError(t, err)
	assert.False(t, running)

	// A second stop retries the same teardown steps without error
	require.NoError(t, orch.Stop(req.scope()))
}

func TestStopClearsLedgerState(t *testing.T) {
	st := newTestStore(t)
	orch, _ := newTestOrchestrator(t, st)
	cfg := testConfig()

	req := startRequest("BTCUSDT")
	require.NoError(t, orch.Start(req))

	ledger := grid.NewLedger(st.Ledger(), req.scope(), cfg.LevelFlagTTL, cfg.PriceListTTL, cfg.PriceTolerance)
	won, err := ledger.AcquireLevel(7)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, ledger.RecordPrice(98))

	require.NoError(t, orch.Stop(req.scope()))

	placed, err := ledger.IsLevelPlaced(7)
	require.NoError(t, err)
	assert.False(t, placed, "stop must drop every level flag")

	used, err := ledger.IsPricePlaced(98)
	require.NoError(t, err)
	assert.False(t, used, "stop must drop the price list")
}

func TestReplayRestoresRunningSessions(t *testing.T) {
	st := newTestStore(t)

	// Persisted state from a previous process: two running, one stopped
	for i, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		rec := &store.SessionRecord{
			Exchange:    "paper",
			UserID:      fmt.Sprintf("u%d", i+1),
			Symbol:      symbol,
			GridNum:     5,
			Leverage:    2,
			Direction:   "long",
			CapitalPlan: []float64{100},
			Running:     true,
		}
		require.NoError(t, st.Session().Save(rec))
	}
	stopped := store.Scope{Exchange: "paper", UserID: "u3", Symbol: "SOLUSDT"}
	require.NoError(t, st.Session().SetRunning(stopped, false))

	orch, _ := newTestOrchestrator(t, st)
	orch.Replay([]string{"paper"})

	assert.Len(t, orch.Sessions(), 2, "only the persisted running set is replayed")

	// Replaying again changes nothing
	orch.Replay([]string{"paper"})
	assert.Len(t, orch.Sessions(), 2)
}

func TestClientPoolEviction(t *testing.T) {
	factory := &countingFactory{adapter: exchange.NewPaperAdapter(1000)}
	pool := newClientPool(factory.build)

	_, err := pool.acquire("paper", "u1")
	require.NoError(t, err)
	_, err = pool.acquire("paper", "u1")
	require.NoError(t, err)
	_, err = pool.acquire("paper", "u2")
	require.NoError(t, err)

	assert.Equal(t, int64(2), factory.calls.Load())
	assert.Equal(t, 2, pool.size())

	// u1 has a live session and survives; u2 is idle and goes
	keep := map[string]bool{poolKey("paper", "u1"): true}
	evicted := pool.evictIdle(0, keep)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, pool.size())

	// The evicted user gets a fresh client on next use
	_, err = pool.acquire("paper", "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), factory.calls.Load())
}
