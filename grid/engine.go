package grid

import (
	"context"
	"time"

	"gridops/config"
	"gridops/exchange"
	"gridops/logger"
	"gridops/market"
	"gridops/store"
)

// Notifier delivers fire-and-forget operator messages. Failures inside
// implementations must never reach the engine.
type Notifier interface {
	Notify(userID, message string)
}

// Engine runs one session: it evaluates entries every poll tick, watches
// take-profits, and reconciles at every timeframe boundary.
type Engine struct {
	session  *Session
	store    *store.Store
	calc     *LevelCalculator
	prices   *market.PriceCache // streamed price cache, nil means poll only
	tracker  *market.RegimeTracker
	notifier Notifier
	cfg      *config.Config

	entryFails int
}

// NewEngine wires an engine for one session. prices and notifier may be
// nil.
func NewEngine(session *Session, st *store.Store, calc *LevelCalculator, prices *market.PriceCache, notifier Notifier, cfg *config.Config) *Engine {
	return &Engine{
		session:  session,
		store:    st,
		calc:     calc,
		prices:   prices,
		tracker:  market.NewRegimeTracker(),
		notifier: notifier,
		cfg:      cfg,
	}
}

func (e *Engine) symbol() string {
	return e.session.Record.Symbol
}

func (e *Engine) notify(message string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(e.session.Record.UserID, message)
}

// currentPrice prefers the streamed cache and falls back to the REST
// ticker when the stream is down or stale.
func (e *Engine) currentPrice() (float64, error) {
	if e.prices != nil {
		if p, ok := e.prices.Get(e.symbol()); ok {
			return p, nil
		}
	}
	return e.session.Adapter.MarketPrice(e.symbol())
}

// nextBoundary returns the next timeframe boundary after now.
func (e *Engine) nextBoundary() time.Time {
	return time.Now().Truncate(e.cfg.Timeframe).Add(e.cfg.Timeframe)
}

// Run drives the session until it is stopped, canceled, or hits an
// authentication failure. The running flag in the store is polled every
// tick so an external stop takes effect within one interval.
func (e *Engine) Run(ctx context.Context) TaskResult {
	sc := e.session.Scope()
	logger.Infof("🚀 Grid engine starting for %s", sc.Key())

	if err := e.initialize(); err != nil {
		if exchange.IsAuth(err) {
			return e.escalateAuth(err)
		}
		logger.Errorf("Engine init failed for %s: %v", sc.Key(), err)
		return StopSymbol
	}

	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()
	boundary := e.nextBoundary()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("Grid engine for %s shutting down", sc.Key())
			return Continue
		case <-poll.C:
		}

		running, err := e.store.Session().IsRunning(sc)
		if err != nil {
			logger.Warnf("Running-flag check failed for %s: %v", sc.Key(), err)
		} else if !running {
			logger.Infof("Session %s no longer running, exiting", sc.Key())
			return StopSymbol
		}

		if !time.Now().Before(boundary) {
			if err := e.reconcile(); err != nil {
				return e.escalateAuth(err)
			}
			boundary = e.nextBoundary()
		}

		if err := e.evaluateEntries(); err != nil {
			return e.escalateAuth(err)
		}
		e.checkTakeProfits()
	}
}

// initialize sets leverage and performs the first reconciliation so the
// engine starts with a ladder and a clean flag set.
func (e *Engine) initialize() error {
	if lv := e.session.Record.Leverage; lv > 0 {
		if err := e.session.Adapter.SetLeverage(e.symbol(), lv); err != nil {
			if exchange.IsAuth(err) {
				return err
			}
			logger.Warnf("Failed to set leverage %dx for %s: %v", lv, e.symbol(), err)
		}
	}
	return e.reconcile()
}

// escalateAuth is the only path a session error takes out of the engine:
// the running flag is cleared, the operator is told, and the orchestrator
// tears the session down.
func (e *Engine) escalateAuth(err error) TaskResult {
	sc := e.session.Scope()
	logger.Errorf("🔐 Authentication failure for %s: %v", sc.Key(), err)
	e.notify("🔐 " + sc.Symbol + ": authentication failed, session stopped")

	if serr := e.store.Session().SetRunning(sc, false); serr != nil {
		logger.Warnf("Failed to clear running flag for %s: %v", sc.Key(), serr)
	}
	return Escalate
}
