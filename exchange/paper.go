package exchange

import (
	"fmt"
	"sync"
	"time"
)

// PaperAdapter is an in-memory venue used by tests and dry-run mode.
// Limit orders rest until FillOrder force-fills them; market
// orders fill immediately at the current mark.
type PaperAdapter struct {
	mu sync.Mutex

	name      string
	prices    map[string]float64
	orders    map[string]*Order
	positions map[string]*Position // symbol+side -> position
	balance   Balance
	rules     map[string]*SymbolRule

	nextID     int64
	failCreate error // injected failure for the next CreateOrder
}

// NewPaperAdapter creates a simulated venue with the given equity.
func NewPaperAdapter(equity float64) *PaperAdapter {
	return &PaperAdapter{
		name:      "paper",
		prices:    make(map[string]float64),
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
		rules:     make(map[string]*SymbolRule),
		balance:   Balance{TotalEquity: equity, Available: equity},
		nextID:    1000,
	}
}

func (t *PaperAdapter) Name() string { return t.name }

// SetPrice sets the current mark for symbol.
func (t *PaperAdapter) SetPrice(symbol string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[symbol] = price
}

// SetRule installs sizing constraints for symbol.
func (t *PaperAdapter) SetRule(symbol string, rule *SymbolRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules[symbol] = rule
}

// FailNextCreate makes the next CreateOrder return err.
func (t *PaperAdapter) FailNextCreate(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failCreate = err
}

// FillOrder force-fills a resting order at its limit price.
func (t *PaperAdapter) FillOrder(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[id]
	if !ok {
		return fmt.Errorf("paper order %s not found", id)
	}
	if o.Status != StatusOpen {
		return fmt.Errorf("paper order %s already %s", id, o.Status)
	}
	t.fillLocked(o, o.Price)
	return nil
}

func (t *PaperAdapter) fillLocked(o *Order, price float64) {
	o.Status = StatusFilled
	o.ExecutedQty = o.Quantity
	o.AvgPrice = price
	t.applyFillLocked(o, price)
}

func (t *PaperAdapter) applyFillLocked(o *Order, price float64) {
	side := "long"
	if o.Side == SideSell {
		side = "short"
	}
	if o.ReduceOnly {
		// A reduce-only order shrinks the opposite-side position
		if side == "long" {
			side = "short"
		} else {
			side = "long"
		}
		key := o.Symbol + ":" + side
		if pos, ok := t.positions[key]; ok {
			pos.Quantity -= o.Quantity
			if pos.Quantity <= 1e-12 {
				delete(t.positions, key)
			} else {
				pos.NotionalUSD = pos.Quantity * price
			}
		}
		return
	}

	key := o.Symbol + ":" + side
	pos, ok := t.positions[key]
	if !ok {
		pos = &Position{Symbol: o.Symbol, Side: side}
		t.positions[key] = pos
	}
	pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*o.Quantity) / (pos.Quantity + o.Quantity)
	pos.Quantity += o.Quantity
	pos.MarkPrice = price
	pos.NotionalUSD = pos.Quantity * price
}

// CreateOrder records the order; market orders fill immediately.
func (t *PaperAdapter) CreateOrder(symbol string, side OrderSide, typ OrderType, qty, price float64, params OrderParams) (*Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failCreate != nil {
		err := t.failCreate
		t.failCreate = nil
		return nil, err
	}

	t.nextID++
	o := &Order{
		ID:         fmt.Sprintf("%d", t.nextID),
		ClientID:   params.ClientID,
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		Price:      price,
		Quantity:   qty,
		ReduceOnly: params.ReduceOnly,
		Status:     StatusOpen,
		CreatedAt:  time.Now(),
	}
	t.orders[o.ID] = o

	if typ == TypeMarket {
		mark := t.prices[symbol]
		if mark == 0 {
			mark = price
		}
		t.fillLocked(o, mark)
	}

	clone := *o
	return &clone, nil
}

// CancelOrder marks a resting order canceled.
func (t *PaperAdapter) CancelOrder(id, symbol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[id]
	if !ok {
		return fmt.Errorf("paper order %s not found", id)
	}
	if o.Status == StatusOpen {
		o.Status = StatusCanceled
	}
	return nil
}

// CancelAllOrders cancels every resting order for symbol.
func (t *PaperAdapter) CancelAllOrders(symbol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.orders {
		if o.Symbol == symbol && o.Status == StatusOpen {
			o.Status = StatusCanceled
		}
	}
	return nil
}

// FetchOrder returns a copy of the order's current state.
func (t *PaperAdapter) FetchOrder(id, symbol string) (*Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[id]
	if !ok {
		return nil, fmt.Errorf("paper order %s not found", id)
	}
	clone := *o
	return &clone, nil
}

// FetchOpenOrders returns copies of all resting orders for symbol.
func (t *PaperAdapter) FetchOpenOrders(symbol string) ([]*Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Order
	for _, o := range t.orders {
		if o.Symbol == symbol && o.Status == StatusOpen {
			clone := *o
			out = append(out, &clone)
		}
	}
	return out, nil
}

// FetchPositions returns copies of current positions.
func (t *PaperAdapter) FetchPositions(symbols []string) ([]*Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Position
	for _, p := range t.positions {
		clone := *p
		out = append(out, &clone)
	}
	return filterPositions(out, symbols), nil
}

// FetchBalance returns the configured balance.
func (t *PaperAdapter) FetchBalance() (*Balance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balance
	return &bal, nil
}

// MarketPrice returns the configured mark for symbol.
func (t *PaperAdapter) MarketPrice(symbol string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no paper price for %s", symbol)
	}
	return p, nil
}

// Rule returns the configured rule, or a permissive default.
func (t *PaperAdapter) Rule(symbol string) (*SymbolRule, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rules[symbol]; ok {
		return r, nil
	}
	return &SymbolRule{}, nil
}

// SetLeverage is a no-op on paper.
func (t *PaperAdapter) SetLeverage(symbol string, leverage int) error {
	return nil
}
