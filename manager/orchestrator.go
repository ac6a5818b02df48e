// Package manager orchestrates grid sessions: it owns the session
// registry, the per-user exchange client pool, boot-time crash recovery,
// and the idle-client watchdog.
package manager

import (
	"fmt"
	"sync"
	"time"

	"gridops/config"
	"gridops/exchange"
	"gridops/grid"
	"gridops/logger"
	"gridops/market"
	"gridops/store"
)

const (
	watchdogInterval = 10 * time.Minute
	stopTimeout      = 30 * time.Second
)

// StartRequest carries the parameters of a session start. It is persisted
// verbatim so the session can be replayed after a crash.
type StartRequest struct {
	Exchange    string
	UserID      string
	Symbol      string
	GridNum     int
	Leverage    int
	Direction   string // long / short / long-short
	CapitalPlan []float64
}

func (r *StartRequest) scope() store.Scope {
	return store.Scope{Exchange: r.Exchange, UserID: r.UserID, Symbol: r.Symbol}
}

func (r *StartRequest) validate() error {
	if r.Exchange == "" || r.UserID == "" || r.Symbol == "" {
		return fmt.Errorf("exchange, user and symbol are required")
	}
	if r.GridNum < 2 {
		return fmt.Errorf("grid num must be at least 2, got %d", r.GridNum)
	}
	switch r.Direction {
	case "long", "short", "long-short":
	default:
		return fmt.Errorf("invalid direction %q", r.Direction)
	}
	return nil
}

// AdapterFactory builds an authenticated adapter for one user on one
// exchange.
type AdapterFactory func(exchangeName, userID string) (exchange.Adapter, error)

type runningSession struct {
	session *grid.Session
}

// Orchestrator keys every live session by (exchange, user, symbol) and
// guarantees at most one task set per key. Start and Stop are idempotent.
type Orchestrator struct {
	store    *store.Store
	calc     *grid.LevelCalculator
	prices   *market.PriceCache
	notifier grid.Notifier
	cfg      *config.Config
	clients  *clientPool

	mu       sync.Mutex
	sessions map[string]*runningSession
	done     chan struct{}
	wg       sync.WaitGroup
}

// New builds an orchestrator. prices and notifier may be nil.
func New(st *store.Store, provider market.Provider, prices *market.PriceCache, notifier grid.Notifier, factory AdapterFactory, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:    st,
		calc:     grid.NewLevelCalculator(provider),
		prices:   prices,
		notifier: notifier,
		cfg:      cfg,
		clients:  newClientPool(factory),
		sessions: make(map[string]*runningSession),
		done:     make(chan struct{}),
	}
}

// Start creates and launches a session. Calling it again for a key that
// is already live is a no-op, so replays and duplicate requests cannot
// double the task set or the ledger keys.
func (o *Orchestrator) Start(req *StartRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	sc := req.scope()

	o.mu.Lock()
	if _, exists := o.sessions[sc.Key()]; exists {
		o.mu.Unlock()
		logger.Infof("Session %s already running, start ignored", sc.Key())
		return nil
	}
	// Reserve the key before any I/O so a concurrent Start cannot race in
	o.sessions[sc.Key()] = nil
	o.mu.Unlock()

	adapter, err := o.clients.acquire(req.Exchange, req.UserID)
	if err != nil {
		o.removeSession(sc.Key())
		return fmt.Errorf("failed to build %s client for user %s: %w", req.Exchange, req.UserID, err)
	}

	rec := &store.SessionRecord{
		Exchange:    req.Exchange,
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		GridNum:     req.GridNum,
		Leverage:    req.Leverage,
		Direction:   req.Direction,
		CapitalPlan: req.CapitalPlan,
		Running:     true,
	}
	if err := o.store.Session().Save(rec); err != nil {
		o.removeSession(sc.Key())
		return fmt.Errorf("failed to persist session %s: %w", sc.Key(), err)
	}
	if err := o.store.Session().SetRunning(sc, true); err != nil {
		o.removeSession(sc.Key())
		return fmt.Errorf("failed to mark session %s running: %w", sc.Key(), err)
	}

	ledger := grid.NewLedger(o.store.Ledger(), sc, o.cfg.LevelFlagTTL, o.cfg.PriceListTTL, o.cfg.PriceTolerance)
	session := grid.NewSession(rec, adapter, ledger)
	engine := grid.NewEngine(session, o.store, o.calc, o.prices, o.notifier, o.cfg)

	rs := &runningSession{session: session}
	o.mu.Lock()
	o.sessions[sc.Key()] = rs
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		result := engine.Run(session.Context())
		logger.Infof("Session %s finished with result %s", sc.Key(), result)

		if result == grid.StopSymbol || result == grid.Escalate {
			if err := o.Stop(sc); err != nil {
				logger.Errorf("Teardown of %s failed: %v", sc.Key(), err)
			}
		}
	}()

	logger.Infof("▶️ Session %s started (grid=%d, leverage=%dx, direction=%s)",
		sc.Key(), req.GridNum, req.Leverage, req.Direction)
	return nil
}

// Stop tears a session down: cancel open orders, cancel child tasks,
// clear the ledger, and drop the symbol from the running set. The four
// steps are not transactional; each is individually idempotent so a
// partial stop can simply be retried.
func (o *Orchestrator) Stop(sc store.Scope) error {
	o.mu.Lock()
	rs := o.sessions[sc.Key()]
	delete(o.sessions, sc.Key())
	o.mu.Unlock()

	var firstErr error
	keep := func(err error, what string) {
		if err != nil {
			logger.Errorf("Stop of %s: %s failed: %v", sc.Key(), what, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// 1. Cancel everything resting on the exchange
	if adapter, err := o.clients.acquire(sc.Exchange, sc.UserID); err == nil {
		keep(adapter.CancelAllOrders(sc.Symbol), "order cancel")
	} else {
		keep(err, "client build")
	}

	// 2. Cancel child tasks and wait for them
	if rs != nil && rs.session != nil {
		rs.session.Stop(stopTimeout)
	}

	// 3. Clear all ledger state
	ledger := grid.NewLedger(o.store.Ledger(), sc, o.cfg.LevelFlagTTL, o.cfg.PriceListTTL, o.cfg.PriceTolerance)
	keep(ledger.Clear(), "ledger clear")

	// 4. Remove from the running replay set
	keep(o.store.Session().SetRunning(sc, false), "running-flag clear")

	logger.Infof("⏹️ Session %s stopped", sc.Key())
	return firstErr
}

// Replay scans the persisted running set for each exchange and restarts
// every session with its original parameters. This is the crash-recovery
// path taken once at boot.
func (o *Orchestrator) Replay(exchanges []string) {
	for _, ex := range exchanges {
		records, err := o.store.Session().ListRunning(ex)
		if err != nil {
			logger.Errorf("Failed to list running sessions for %s: %v", ex, err)
			continue
		}
		for _, rec := range records {
			req := &StartRequest{
				Exchange:    rec.Exchange,
				UserID:      rec.UserID,
				Symbol:      rec.Symbol,
				GridNum:     rec.GridNum,
				Leverage:    rec.Leverage,
				Direction:   rec.Direction,
				CapitalPlan: rec.CapitalPlan,
			}
			if err := o.Start(req); err != nil {
				logger.Errorf("Replay of %s failed: %v", rec.Scope().Key(), err)
				continue
			}
			logger.Infof("🔁 Replayed session %s", rec.Scope().Key())
		}
	}
}

// RunWatchdog periodically evicts idle exchange clients and sweeps
// expired ledger rows. Blocks until Close.
func (o *Orchestrator) RunWatchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			evicted := o.clients.evictIdle(o.cfg.ClientIdleTTL, o.activeUsers())
			if evicted > 0 {
				logger.Infof("Watchdog evicted %d idle exchange client(s)", evicted)
			}
			if err := o.store.Sweep(); err != nil {
				logger.Warnf("Ledger sweep failed: %v", err)
			}
		}
	}
}

// activeUsers returns the pool keys of users with a live session; those
// clients are never evicted regardless of idleness.
func (o *Orchestrator) activeUsers() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	active := make(map[string]bool, len(o.sessions))
	for _, rs := range o.sessions {
		if rs != nil && rs.session != nil {
			sc := rs.session.Scope()
			active[poolKey(sc.Exchange, sc.UserID)] = true
		}
	}
	return active
}

// Sessions returns the keys of live sessions, for introspection.
func (o *Orchestrator) Sessions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	keys := make([]string, 0, len(o.sessions))
	for k, rs := range o.sessions {
		if rs != nil {
			keys = append(keys, k)
		}
	}
	return keys
}

func (o *Orchestrator) removeSession(key string) {
	o.mu.Lock()
	delete(o.sessions, key)
	o.mu.Unlock()
}

// Close stops the watchdog and every live session.
func (o *Orchestrator) Close() {
	close(o.done)

	o.mu.Lock()
	var scopes []store.Scope
	for _, rs := range o.sessions {
		if rs != nil && rs.session != nil {
			scopes = append(scopes, rs.session.Scope())
		}
	}
	o.mu.Unlock()

	for _, sc := range scopes {
		if err := o.Stop(sc); err != nil {
			logger.Errorf("Shutdown stop of %s failed: %v", sc.Key(), err)
		}
	}
	o.wg.Wait()
}
