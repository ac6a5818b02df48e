package grid

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridops/exchange"
	"gridops/logger"
	"gridops/store"
)

// entryFailNotifyThreshold is how many consecutive placement failures on
// a symbol trigger an operator notification.
const entryFailNotifyThreshold = 5

// evaluateEntries runs one entry pass for both sides against the current
// price. Only authentication errors escape; everything else is handled at
// the level it occurred.
func (e *Engine) evaluateEntries() error {
	ladder := e.session.CurrentLadder()
	if ladder == nil {
		return nil
	}

	price, err := e.currentPrice()
	if err != nil {
		if exchange.IsAuth(err) {
			return err
		}
		logger.Warnf("Failed to fetch price for %s: %v", e.symbol(), err)
		return nil
	}

	// Price escaped the ladder: flatten the trapped side instead of
	// stacking further entries against the move.
	if ladder.BelowLower(price) {
		if err := e.flattenSide("long", "price broke below the grid floor"); err != nil {
			return err
		}
		return nil
	}
	if ladder.AboveUpper(price) {
		if err := e.flattenSide("short", "price broke above the grid ceiling"); err != nil {
			return err
		}
		return nil
	}

	if e.session.AllowsLong() && ladder.Regime.AllowsLong() {
		if err := e.tryEnter(ladder, price, exchange.SideBuy); err != nil {
			return err
		}
	}
	if e.session.AllowsShort() && ladder.Regime.AllowsShort() {
		if err := e.tryEnter(ladder, price, exchange.SideSell); err != nil {
			return err
		}
	}
	return nil
}

// tryEnter inspects the nearest level on one side of price and submits an
// entry there when every guard passes. Returns only auth errors.
func (e *Engine) tryEnter(ladder *Ladder, price float64, side exchange.OrderSide) error {
	if e.session.IsWaiting(side) {
		return nil
	}

	var level int
	var ok bool
	if side == exchange.SideBuy {
		level, ok = ladder.NearestBelow(price)
	} else {
		level, ok = ladder.NearestAbove(price)
	}
	if !ok {
		return nil
	}
	levelPrice := ladder.Price(level)

	// A live take-profit at this level means the position it exits is
	// still open; re-entering underneath it would double up.
	tp, err := e.session.Ledger.TakeProfit(level)
	if err != nil {
		logger.Warnf("Ledger read failed for %s level %d: %v", e.symbol(), level, err)
		return nil
	}
	if tp.Active {
		return nil
	}

	placed, err := e.session.Ledger.IsLevelPlaced(level)
	if err != nil || placed {
		return nil
	}

	priceUsed, err := e.session.Ledger.IsPricePlaced(levelPrice)
	if err != nil || priceUsed {
		return nil
	}

	rule, err := e.session.Adapter.Rule(e.symbol())
	if err != nil {
		if exchange.IsAuth(err) {
			return err
		}
		logger.Warnf("Failed to fetch rules for %s: %v", e.symbol(), err)
		return nil
	}

	capital := CapitalAt(e.session.CapitalPlan(), level)
	qty := QuantityFor(capital, levelPrice, e.session.Record.Leverage, rule)
	if qty <= 0 {
		return nil
	}

	okNotional, err := e.okayToPlaceOrder(side, qty*levelPrice)
	if err != nil {
		if exchange.IsAuth(err) {
			return err
		}
		logger.Warnf("Notional check failed for %s: %v", e.symbol(), err)
		return nil
	}
	if !okNotional {
		logger.Debugf("%s %s entry blocked by notional cap", e.symbol(), side)
		return nil
	}

	// Atomic claim: exactly one racer wins the level.
	won, err := e.session.Ledger.AcquireLevel(level)
	if err != nil || !won {
		return nil
	}

	return e.submitEntry(side, level, rule.RoundPrice(levelPrice), qty)
}

// submitEntry places the entry order and routes its failure by kind.
// The level claim is released on any failure.
func (e *Engine) submitEntry(side exchange.OrderSide, level int, price, qty float64) error {
	params := exchange.OrderParams{
		ClientID: "grid-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
	}

	var order *exchange.Order
	err := exchange.Retry(3, time.Second, func() error {
		var err error
		order, err = e.session.Adapter.CreateOrder(e.symbol(), side, exchange.TypeLimit, qty, price, params)
		return err
	})
	if err != nil {
		e.releaseLevel(level)
		switch exchange.Classify(err) {
		case exchange.KindAuth:
			return err
		case exchange.KindInsufficientMargin:
			e.session.SetWaiting(side)
			logger.Warnf("💸 %s %s entry skipped, insufficient margin, backing off this cycle", e.symbol(), side)
		case exchange.KindRejected:
			logger.Warnf("%s entry rejected at level %d: %v", e.symbol(), level, err)
		default:
			e.entryFails++
			logger.Errorf("Failed to place %s %s entry at level %d: %v", e.symbol(), side, level, err)
			if e.entryFails >= entryFailNotifyThreshold {
				e.notify(fmt.Sprintf("⚠️ %s: %d consecutive entry placement failures", e.symbol(), e.entryFails))
				e.entryFails = 0
			}
		}
		return nil
	}
	e.entryFails = 0

	if err := e.session.Ledger.RecordPrice(price); err != nil {
		logger.Warnf("Failed to record price %.8f for %s: %v", price, e.symbol(), err)
	}
	if err := e.store.Session().UpdateLastEntry(e.session.Scope(), price, time.Now()); err != nil {
		logger.Warnf("Failed to update last entry for %s: %v", e.symbol(), err)
	}

	logger.WithFields(map[string]interface{}{
		"symbol":   e.symbol(),
		"side":     side,
		"level":    level,
		"price":    price,
		"quantity": qty,
		"order":    order.ID,
	}).Info("📥 Entry order placed")

	until := e.nextBoundary()
	e.session.Spawn(fmt.Sprintf("fill-monitor-%s", order.ID), func(ctx context.Context) {
		e.watchEntryOrder(ctx, order, level, side, until)
	})
	return nil
}

func (e *Engine) releaseLevel(level int) {
	if err := e.session.Ledger.ResetLevel(level); err != nil {
		logger.Warnf("Failed to release level %d for %s: %v", level, e.symbol(), err)
	}
}

// okayToPlaceOrder checks the projected side notional against the cap.
func (e *Engine) okayToPlaceOrder(side exchange.OrderSide, addNotional float64) (bool, error) {
	positions, err := e.session.Adapter.FetchPositions([]string{e.symbol()})
	if err != nil {
		return false, err
	}

	posSide := "long"
	if side == exchange.SideSell {
		posSide = "short"
	}
	var held float64
	for _, p := range positions {
		if p.Symbol == e.symbol() && p.Side == posSide {
			held += p.NotionalUSD
		}
	}
	return held+addNotional <= e.cfg.MaxNotionalUSD, nil
}

// flattenSide market-closes the entire position on one side and clears
// its take-profit records.
func (e *Engine) flattenSide(posSide, reason string) error {
	positions, err := e.session.Adapter.FetchPositions([]string{e.symbol()})
	if err != nil {
		if exchange.IsAuth(err) {
			return err
		}
		logger.Warnf("Failed to fetch positions for %s flatten: %v", e.symbol(), err)
		return nil
	}

	for _, p := range positions {
		if p.Symbol != e.symbol() || p.Side != posSide || p.Quantity <= 0 {
			continue
		}

		side := exchange.SideSell
		if posSide == "short" {
			side = exchange.SideBuy
		}
		params := exchange.OrderParams{ReduceOnly: true}

		err := exchange.Retry(3, time.Second, func() error {
			_, err := e.session.Adapter.CreateOrder(e.symbol(), side, exchange.TypeMarket, p.Quantity, 0, params)
			return err
		})
		if err != nil {
			if exchange.IsAuth(err) {
				return err
			}
			logger.Errorf("Failed to flatten %s %s (%.6f): %v", e.symbol(), posSide, p.Quantity, err)
			continue
		}

		logger.Warnf("🧹 Flattened %s %s %.6f: %s", e.symbol(), posSide, p.Quantity, reason)
		e.notify(fmt.Sprintf("🧹 %s: closed %s position %.6f (%s)", e.symbol(), posSide, p.Quantity, reason))

		if err := e.recordExitFill(p.Quantity, p.MarkPrice, side); err != nil {
			logger.Warnf("Failed to record flatten fill for %s: %v", e.symbol(), err)
		}
	}

	if err := e.session.Ledger.ClearTakeProfitsBySide(posSide); err != nil {
		logger.Warnf("Failed to clear %s take-profits for %s: %v", posSide, e.symbol(), err)
	}
	return nil
}

func (e *Engine) recordExitFill(qty, price float64, side exchange.OrderSide) error {
	sc := e.session.Scope()
	return e.store.Trade().RecordFill(&store.FillRecord{
		Exchange: sc.Exchange,
		UserID:   sc.UserID,
		Symbol:   sc.Symbol,
		Side:     string(side),
		Price:    price,
		Quantity: qty,
		Notional: qty * price,
		FilledAt: time.Now(),
	})
}
