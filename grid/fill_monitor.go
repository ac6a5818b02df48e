package grid

import (
	"context"
	"fmt"
	"time"

	"gridops/exchange"
	"gridops/logger"
	"gridops/store"
)

// Take-profit band relative to the fill price. The target anchors to the
// adjacent grid level but never leaves this band.
const (
	tpMinGain = 1.004
	tpMaxGain = 1.08
)

// watchEntryOrder polls one submitted entry order until it reaches a
// terminal state or the reconciliation boundary arrives. The monitor is
// the only writer of this order's terminal handling; it self-terminates
// at the boundary so it never overlaps the reconciler's flag reset.
func (e *Engine) watchEntryOrder(ctx context.Context, order *exchange.Order, level int, side exchange.OrderSide, until time.Time) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(until) {
			logger.Debugf("Fill monitor for %s order %s reached cycle boundary", e.symbol(), order.ID)
			return
		}

		o, err := e.session.Adapter.FetchOrder(order.ID, e.symbol())
		if err != nil {
			if exchange.IsAuth(err) {
				return
			}
			logger.Debugf("Fill poll failed for %s order %s: %v", e.symbol(), order.ID, err)
			continue
		}

		switch o.Status {
		case exchange.StatusFilled:
			e.handleEntryFill(o, level, side)
			return
		case exchange.StatusCanceled:
			e.releaseLevel(level)
			logger.Infof("Entry order %s for %s canceled, level %d freed", order.ID, e.symbol(), level)
			return
		}
	}
}

// handleEntryFill records the fill, places the paired take-profit at the
// adjacent level, and re-arms the vacated level so the ladder stays
// populated.
func (e *Engine) handleEntryFill(o *exchange.Order, level int, side exchange.OrderSide) {
	fillPrice := o.AvgPrice
	if fillPrice <= 0 {
		fillPrice = o.Price
	}
	qty := o.ExecutedQty
	if qty <= 0 {
		qty = o.Quantity
	}

	sc := e.session.Scope()
	err := e.store.Trade().RecordFill(&store.FillRecord{
		Exchange: sc.Exchange,
		UserID:   sc.UserID,
		Symbol:   sc.Symbol,
		OrderID:  o.ID,
		Level:    level,
		Side:     string(side),
		Price:    fillPrice,
		Quantity: qty,
		Notional: fillPrice * qty,
		FilledAt: time.Now(),
	})
	if err != nil {
		logger.Warnf("Failed to record fill for %s: %v", e.symbol(), err)
	}
	if err := e.store.Session().UpdateLastEntry(sc, fillPrice, time.Now()); err != nil {
		logger.Warnf("Failed to update last entry for %s: %v", e.symbol(), err)
	}

	logger.WithFields(map[string]interface{}{
		"symbol":   e.symbol(),
		"side":     side,
		"level":    level,
		"price":    fillPrice,
		"quantity": qty,
	}).Info("✅ Entry filled")

	e.placeTakeProfit(level, side, fillPrice, qty)

	// Re-arm the vacated level; the next entry pass repopulates it.
	e.releaseLevel(level)
}

// placeTakeProfit submits the reduce-only exit for a filled entry. The
// record moves to the adjacent level, the ladder-recycling step. A failed
// submission still stores an active record with no order id so the
// reconciler retries it.
func (e *Engine) placeTakeProfit(level int, entrySide exchange.OrderSide, fillPrice, qty float64) {
	ladder := e.session.CurrentLadder()

	tpLevel := level + 1
	if entrySide == exchange.SideSell {
		tpLevel = level - 1
	}

	target := takeProfitTarget(ladder, tpLevel, entrySide, fillPrice)

	rule, err := e.session.Adapter.Rule(e.symbol())
	if err == nil {
		target = rule.RoundPrice(target)
	}

	posSide := "long"
	if entrySide == exchange.SideSell {
		posSide = "short"
	}

	rec := &store.TakeProfitRecord{
		Level:       tpLevel,
		TargetPrice: target,
		Quantity:    qty,
		Side:        posSide,
		Active:      true,
	}

	err = exchange.Retry(3, time.Second, func() error {
		o, err := e.session.Adapter.CreateOrder(
			e.symbol(), entrySide.Opposite(), exchange.TypeLimit, qty, target,
			exchange.OrderParams{ReduceOnly: true},
		)
		if err != nil {
			return err
		}
		rec.OrderID = o.ID
		return nil
	})
	if err != nil {
		logger.Errorf("Failed to place take-profit for %s level %d: %v", e.symbol(), tpLevel, err)
		e.notify(fmt.Sprintf("⚠️ %s: take-profit placement failed at %.8f, will retry next cycle", e.symbol(), target))
	}

	if err := e.session.Ledger.SetTakeProfit(rec); err != nil {
		logger.Errorf("Failed to store take-profit record for %s level %d: %v", e.symbol(), tpLevel, err)
		return
	}

	if rec.OrderID != "" {
		logger.Infof("🎯 Take-profit for %s set at level %d, target %.8f, qty %.6f", e.symbol(), tpLevel, target, qty)
	}
}

// takeProfitTarget anchors the exit to the adjacent grid level when one
// exists and clamps it into the configured band around the fill price.
func takeProfitTarget(ladder *Ladder, tpLevel int, entrySide exchange.OrderSide, fillPrice float64) float64 {
	var target float64
	if ladder != nil && tpLevel >= 0 && tpLevel < ladder.Size() {
		target = ladder.Price(tpLevel)
	}

	if entrySide == exchange.SideBuy {
		low, high := fillPrice*tpMinGain, fillPrice*tpMaxGain
		if target < low {
			target = low
		}
		if target > high {
			target = high
		}
		return target
	}

	// Short entry exits below the fill, mirrored band
	low, high := fillPrice/tpMaxGain, fillPrice/tpMinGain
	if target <= 0 || target > high {
		target = high
	}
	if target < low {
		target = low
	}
	return target
}
