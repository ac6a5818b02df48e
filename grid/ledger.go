package grid

import (
	"time"

	"github.com/shopspring/decimal"

	"gridops/store"
)

// Ledger is the per-session view of the order-placement ledger: level
// flags, recently submitted prices, and take-profit state, all bound to
// one (exchange, user, symbol) scope. Level acquisition is an atomic
// conditional set so two concurrent callers cannot both win a level.
type Ledger struct {
	store     *store.LedgerStore
	scope     store.Scope
	flagTTL   time.Duration
	priceTTL  time.Duration
	tolerance float64
}

// NewLedger binds the ledger store to a session scope. flagTTL matches
// the reconciliation cadence so a crashed process frees its levels within
// one cycle; priceTTL is the long dedup window for submitted prices.
func NewLedger(s *store.LedgerStore, sc store.Scope, flagTTL, priceTTL time.Duration, tolerance float64) *Ledger {
	return &Ledger{
		store:     s,
		scope:     sc,
		flagTTL:   flagTTL,
		priceTTL:  priceTTL,
		tolerance: tolerance,
	}
}

// Scope returns the ledger's key scope.
func (l *Ledger) Scope() store.Scope {
	return l.scope
}

// AcquireLevel atomically claims a level flag. Returns false when another
// writer holds an unexpired claim.
func (l *Ledger) AcquireLevel(level int) (bool, error) {
	return l.store.AcquireLevel(l.scope, level, l.flagTTL)
}

// IsLevelPlaced reports whether the level currently holds an open claim.
func (l *Ledger) IsLevelPlaced(level int) (bool, error) {
	return l.store.IsLevelPlaced(l.scope, level)
}

// ResetLevel frees a level flag.
func (l *Ledger) ResetLevel(level int) error {
	return l.store.ResetLevel(l.scope, level)
}

// ResetAllLevels frees every level flag for the scope.
func (l *Ledger) ResetAllLevels() error {
	return l.store.ResetAllLevels(l.scope)
}

// RecordPrice remembers a submitted price for the dedup window.
func (l *Ledger) RecordPrice(price float64) error {
	return l.store.RecordPrice(l.scope, price, l.priceTTL)
}

// IsPricePlaced reports whether a price within the relative tolerance of
// price was already submitted. Levels drift between recomputations, so
// this is the secondary guard behind the level flag.
func (l *Ledger) IsPricePlaced(price float64) (bool, error) {
	if price <= 0 {
		return false, nil
	}
	prices, err := l.store.RecentPrices(l.scope)
	if err != nil {
		return false, err
	}

	p := decimal.NewFromFloat(price)
	tol := decimal.NewFromFloat(l.tolerance)
	for _, v := range prices {
		diff := decimal.NewFromFloat(v).Sub(p).Abs().Div(p)
		if diff.LessThan(tol) {
			return true, nil
		}
	}
	return false, nil
}

// ClearPrices drops the scope's price dedup list.
func (l *Ledger) ClearPrices() error {
	return l.store.ClearPrices(l.scope)
}

// TakeProfit returns the level's take-profit record; an inactive zero
// record when none exists.
func (l *Ledger) TakeProfit(level int) (*store.TakeProfitRecord, error) {
	return l.store.GetTakeProfit(l.scope, level)
}

// SetTakeProfit stores a take-profit record.
func (l *Ledger) SetTakeProfit(rec *store.TakeProfitRecord) error {
	return l.store.SetTakeProfit(l.scope, rec)
}

// ActiveTakeProfits lists active records, optionally filtered to a side.
func (l *Ledger) ActiveTakeProfits(side string) ([]*store.TakeProfitRecord, error) {
	return l.store.ActiveTakeProfits(l.scope, side)
}

// ClearTakeProfit removes the level's record.
func (l *Ledger) ClearTakeProfit(level int) error {
	return l.store.ClearTakeProfit(l.scope, level)
}

// ClearTakeProfitsBySide removes every record for one entry side.
func (l *Ledger) ClearTakeProfitsBySide(side string) error {
	return l.store.ClearTakeProfitsBySide(l.scope, side)
}

// Clear drops all ledger state for the scope: flags, prices, take-profits.
func (l *Ledger) Clear() error {
	if err := l.ResetAllLevels(); err != nil {
		return err
	}
	if err := l.ClearPrices(); err != nil {
		return err
	}
	if err := l.ClearTakeProfitsBySide("long"); err != nil {
		return err
	}
	return l.ClearTakeProfitsBySide("short")
}
