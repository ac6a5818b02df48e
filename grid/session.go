package grid

import (
	"context"
	"sync"
	"time"

	"gridops/exchange"
	"gridops/logger"
	"gridops/store"
)

// TaskResult is what a session task returns instead of panicking its way
// out: keep going, stop this symbol cleanly, or escalate to the operator.
type TaskResult int

const (
	Continue TaskResult = iota
	StopSymbol
	Escalate
)

func (r TaskResult) String() string {
	switch r {
	case StopSymbol:
		return "stop-symbol"
	case Escalate:
		return "escalate"
	default:
		return "continue"
	}
}

// Session owns all runtime state for one (exchange, user, symbol) grid
// instance: the persisted record, the bound ledger, the adapter, the
// current ladder, and the supervised set of child tasks. All mutable
// fields are guarded by mu; child tasks share the session context so a
// stop cancels every one of them.
type Session struct {
	Record  *store.SessionRecord
	Adapter exchange.Adapter
	Ledger  *Ledger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	ladder       *Ladder
	capitalPlan  []float64
	waitingLong  bool // insufficient-margin backoff, cleared each cycle
	waitingShort bool
}

// NewSession wires a session from its persisted record. The capital plan
// is padded to the grid size up front.
func NewSession(rec *store.SessionRecord, adapter exchange.Adapter, ledger *Ledger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		Record:      rec,
		Adapter:     adapter,
		Ledger:      ledger,
		ctx:         ctx,
		cancel:      cancel,
		capitalPlan: PadCapitalPlan(rec.CapitalPlan, rec.GridNum),
	}
}

// Scope returns the session's key scope.
func (s *Session) Scope() store.Scope {
	return s.Record.Scope()
}

// Context returns the session context; it is canceled on Stop.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Spawn runs fn as a supervised child task. The task receives the session
// context and is waited on during Stop.
func (s *Session) Spawn(name string, fn func(ctx context.Context)) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Task %s panicked for %s: %v", name, s.Scope().Key(), r)
			}
		}()
		fn(s.ctx)
	}()
}

// Stop cancels the session context and waits for every child, bounded by
// timeout so a stuck task cannot hang shutdown.
func (s *Session) Stop(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warnf("Timed out waiting for %s tasks to stop", s.Scope().Key())
	}
}

// CurrentLadder returns the current ladder, nil before the first
// computation.
func (s *Session) CurrentLadder() *Ladder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ladder
}

// SetLadder swaps in a freshly computed ladder.
func (s *Session) SetLadder(l *Ladder) {
	s.mu.Lock()
	s.ladder = l
	s.mu.Unlock()
}

// CapitalPlan returns the padded per-level capital schedule.
func (s *Session) CapitalPlan() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capitalPlan
}

// AllowsLong reports whether the session direction permits long entries.
func (s *Session) AllowsLong() bool {
	return s.Record.Direction == "long" || s.Record.Direction == "long-short"
}

// AllowsShort reports whether the session direction permits short entries.
func (s *Session) AllowsShort() bool {
	return s.Record.Direction == "short" || s.Record.Direction == "long-short"
}

// SetWaiting flags one side as margin-starved for the rest of the cycle.
func (s *Session) SetWaiting(side exchange.OrderSide) {
	s.mu.Lock()
	if side == exchange.SideBuy {
		s.waitingLong = true
	} else {
		s.waitingShort = true
	}
	s.mu.Unlock()
}

// IsWaiting reports whether the side is backing off this cycle.
func (s *Session) IsWaiting(side exchange.OrderSide) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if side == exchange.SideBuy {
		return s.waitingLong
	}
	return s.waitingShort
}

// ClearWaiting resets both per-side backoff flags. Called by the
// reconciler at each cycle boundary.
func (s *Session) ClearWaiting() {
	s.mu.Lock()
	s.waitingLong = false
	s.waitingShort = false
	s.mu.Unlock()
}
