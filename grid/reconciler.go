package grid

import (
	"context"
	"fmt"
	"math"
	"time"

	"gridops/exchange"
	"gridops/logger"
	"gridops/market"
)

// regimeFlipCycles is how many consecutive opposite-strong cycles must be
// observed before the disfavored side is force-closed.
const regimeFlipCycles = 2

// tpRepriceDrift is the relative drift between a stored take-profit
// target and its recomputed anchor that triggers a re-price.
const tpRepriceDrift = 0.01

// reconcile runs once per timeframe boundary. It resets the level flags,
// recomputes the ladder, re-derives positions from the exchange, handles
// confirmed regime flips, and re-prices drifted take-profits. Exchange
// state is authoritative; local counters are corrected here.
func (e *Engine) reconcile() error {
	logger.Debugf("🔄 Reconciling %s", e.session.Scope().Key())

	// Flags are re-derivable from exchange order state, so a wholesale
	// reset is safe and frees anything a dead monitor left behind.
	if err := e.session.Ledger.ResetAllLevels(); err != nil {
		logger.Warnf("Failed to reset level flags for %s: %v", e.symbol(), err)
	}
	e.session.ClearWaiting()

	ladder, err := e.calc.Compute(e.symbol(), e.session.Record.GridNum)
	if err != nil {
		logger.Errorf("Ladder recompute failed for %s: %v", e.symbol(), err)
	} else {
		e.session.SetLadder(ladder)
	}

	positions, err := e.session.Adapter.FetchPositions([]string{e.symbol()})
	if err != nil {
		if exchange.IsAuth(err) {
			return err
		}
		logger.Warnf("Position fetch failed for %s: %v", e.symbol(), err)
		positions = nil
	}

	if ladder != nil && !ladder.Stale {
		streak := e.tracker.Update(ladder.Regime)
		logger.Debugf("%s regime %s for %d cycle(s)", e.symbol(), ladder.Regime, streak)

		if err := e.handleRegimeFlip(positions); err != nil {
			return err
		}
	}

	e.repriceTakeProfits(positions)

	if err := e.reconcileOrphans(positions); err != nil {
		return err
	}
	return nil
}

// handleRegimeFlip force-closes the side a confirmed strong trend runs
// against. A single strong cycle is ignored; the flip must persist.
func (e *Engine) handleRegimeFlip(positions []*exchange.Position) error {
	if e.tracker.Confirmed(market.RegimeStrongDown, regimeFlipCycles) {
		if hasSide(positions, "long") {
			e.notify(fmt.Sprintf("📉 %s: strong downtrend confirmed, closing long side", e.symbol()))
			return e.flattenSide("long", "strong downtrend confirmed")
		}
	}
	if e.tracker.Confirmed(market.RegimeStrongUp, regimeFlipCycles) {
		if hasSide(positions, "short") {
			e.notify(fmt.Sprintf("📈 %s: strong uptrend confirmed, closing short side", e.symbol()))
			return e.flattenSide("short", "strong uptrend confirmed")
		}
	}
	return nil
}

func hasSide(positions []*exchange.Position, side string) bool {
	for _, p := range positions {
		if p.Side == side && p.Quantity > 0 {
			return true
		}
	}
	return false
}

// repriceTakeProfits re-anchors every active take-profit to the new
// ladder: orderless records are re-submitted, and live orders whose
// target drifted materially are canceled and replaced. Records whose
// position no longer exists on the exchange are dropped.
func (e *Engine) repriceTakeProfits(positions []*exchange.Position) {
	records, err := e.session.Ledger.ActiveTakeProfits("")
	if err != nil {
		logger.Warnf("Failed to list take-profits for %s: %v", e.symbol(), err)
		return
	}
	if len(records) == 0 {
		return
	}

	ladder := e.session.CurrentLadder()
	price, err := e.currentPrice()
	if err != nil {
		logger.Warnf("Failed to fetch price for %s take-profit re-price: %v", e.symbol(), err)
		return
	}

	for _, rec := range records {
		if rec.Quantity <= 0 {
			// Invariant breach: active implies positive quantity
			logger.Errorf("Active take-profit with zero quantity, %s level %d", e.symbol(), rec.Level)
			continue
		}

		if !hasSide(positions, rec.Side) {
			// Position is gone (manual close or missed fill); the
			// record no longer represents anything.
			if rec.OrderID != "" {
				if err := e.session.Adapter.CancelOrder(rec.OrderID, e.symbol()); err != nil {
					logger.Debugf("Cancel of stale take-profit %s failed: %v", rec.OrderID, err)
				}
			}
			if err := e.session.Ledger.ClearTakeProfit(rec.Level); err != nil {
				logger.Warnf("Failed to drop stale take-profit, %s level %d: %v", e.symbol(), rec.Level, err)
			}
			continue
		}

		entrySide := exchange.SideBuy
		if rec.Side == "short" {
			entrySide = exchange.SideSell
		}
		ideal := takeProfitTarget(ladder, rec.Level, entrySide, price)

		if rec.OrderID != "" {
			drift := math.Abs(rec.TargetPrice-ideal) / ideal
			if drift < tpRepriceDrift {
				continue
			}
			if err := e.session.Adapter.CancelOrder(rec.OrderID, e.symbol()); err != nil {
				logger.Debugf("Cancel for re-price failed, %s order %s: %v", e.symbol(), rec.OrderID, err)
				continue
			}
			rec.OrderID = ""
		}

		rule, err := e.session.Adapter.Rule(e.symbol())
		if err == nil {
			ideal = rule.RoundPrice(ideal)
		}

		err = exchange.Retry(3, time.Second, func() error {
			o, err := e.session.Adapter.CreateOrder(
				e.symbol(), entrySide.Opposite(), exchange.TypeLimit, rec.Quantity, ideal,
				exchange.OrderParams{ReduceOnly: true},
			)
			if err != nil {
				return err
			}
			rec.OrderID = o.ID
			return nil
		})
		if err != nil {
			logger.Errorf("Take-profit re-submit failed for %s level %d: %v", e.symbol(), rec.Level, err)
		} else {
			rec.TargetPrice = ideal
			logger.Infof("🎯 Take-profit re-priced for %s level %d to %.8f", e.symbol(), rec.Level, ideal)
		}

		if err := e.session.Ledger.SetTakeProfit(rec); err != nil {
			logger.Warnf("Failed to store re-priced take-profit, %s level %d: %v", e.symbol(), rec.Level, err)
		}
	}
}

// reconcileOrphans re-claims levels that still hold open entry orders on
// the exchange so the fresh flag reset does not double-place them, and
// spawns monitors for entries submitted in the previous cycle that are
// still working.
func (e *Engine) reconcileOrphans(positions []*exchange.Position) error {
	ladder := e.session.CurrentLadder()
	if ladder == nil {
		return nil
	}

	orders, err := e.session.Adapter.FetchOpenOrders(e.symbol())
	if err != nil {
		if exchange.IsAuth(err) {
			return err
		}
		logger.Warnf("Open-order fetch failed for %s: %v", e.symbol(), err)
		return nil
	}

	until := e.nextBoundary()
	for _, o := range orders {
		if o.ReduceOnly {
			continue
		}
		level, ok := nearestLevel(ladder, o.Price)
		if !ok {
			continue
		}
		won, err := e.session.Ledger.AcquireLevel(level)
		if err != nil || !won {
			continue
		}

		side := o.Side
		order := o
		e.session.Spawn(fmt.Sprintf("fill-monitor-%s", o.ID), func(ctx context.Context) {
			e.watchEntryOrder(ctx, order, level, side, until)
		})
	}
	return nil
}

// nearestLevel maps a price to its closest ladder index within half a
// level spacing.
func nearestLevel(ladder *Ladder, price float64) (int, bool) {
	if ladder.Size() == 0 || price <= 0 {
		return 0, false
	}
	best, bestDist := 0, math.MaxFloat64
	for i, lv := range ladder.Levels {
		d := math.Abs(lv - price)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	spacing := ladder.Levels[ladder.Size()-1] - ladder.Levels[0]
	if ladder.Size() > 1 {
		spacing /= float64(ladder.Size() - 1)
	}
	if spacing > 0 && bestDist > spacing/2 {
		return 0, false
	}
	return best, true
}
