package grid

import (
	"gridops/exchange"
	"gridops/logger"
)

// checkTakeProfits runs one pass over the active take-profit records and
// reacts to exchange-side state. Fills free the level; cancels drop the
// order id so the reconciler re-submits. Records without an order id are
// left alone here.
func (e *Engine) checkTakeProfits() {
	records, err := e.session.Ledger.ActiveTakeProfits("")
	if err != nil {
		logger.Warnf("Failed to list take-profits for %s: %v", e.symbol(), err)
		return
	}

	for _, rec := range records {
		if rec.OrderID == "" {
			continue
		}

		o, err := e.session.Adapter.FetchOrder(rec.OrderID, e.symbol())
		if err != nil {
			if exchange.IsAuth(err) {
				return
			}
			logger.Debugf("Take-profit poll failed for %s order %s: %v", e.symbol(), rec.OrderID, err)
			continue
		}

		switch o.Status {
		case exchange.StatusFilled:
			e.handleTakeProfitFill(rec.Level, o)
		case exchange.StatusCanceled:
			// Keep the record active but orderless; the reconciler
			// re-submits at the next boundary.
			rec.OrderID = ""
			if err := e.session.Ledger.SetTakeProfit(rec); err != nil {
				logger.Warnf("Failed to mark take-profit for re-submit, %s level %d: %v", e.symbol(), rec.Level, err)
			}
			logger.Infof("Take-profit order for %s level %d was canceled, queued for re-submit", e.symbol(), rec.Level)
		}
	}
}

func (e *Engine) handleTakeProfitFill(level int, o *exchange.Order) {
	fillPrice := o.AvgPrice
	if fillPrice <= 0 {
		fillPrice = o.Price
	}
	qty := o.ExecutedQty
	if qty <= 0 {
		qty = o.Quantity
	}

	if err := e.recordExitFill(qty, fillPrice, o.Side); err != nil {
		logger.Warnf("Failed to record take-profit fill for %s: %v", e.symbol(), err)
	}

	if err := e.session.Ledger.ClearTakeProfit(level); err != nil {
		logger.Warnf("Failed to clear take-profit for %s level %d: %v", e.symbol(), level, err)
	}
	e.releaseLevel(level)

	logger.Infof("💰 Take-profit filled for %s at level %d, price %.8f, qty %.6f", e.symbol(), level, fillPrice, qty)
}
