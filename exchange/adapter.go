// Package exchange defines the uniform order/position/balance surface the
// grid engine trades through, with one Adapter implementation per venue
// encapsulating its quirks (reduce-only flag, posSide, contract sizing).
package exchange

import (
	"math"
	"strconv"
	"time"
)

// OrderSide is the taker direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// OrderStatus is the adapter-normalized lifecycle state.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
)

// Terminal reports whether the status will never change again.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled
}

// Order is the normalized order view returned by every adapter.
type Order struct {
	ID          string
	ClientID    string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Price       float64
	Quantity    float64
	ExecutedQty float64
	AvgPrice    float64
	ReduceOnly  bool
	Status      OrderStatus
	CreatedAt   time.Time
}

// Position is an aggregated per-symbol position snapshot.
type Position struct {
	Symbol      string
	Side        string // long / short
	Quantity    float64
	EntryPrice  float64
	MarkPrice   float64
	NotionalUSD float64
}

// Balance is the account margin summary.
type Balance struct {
	TotalEquity  float64
	Available    float64
	UnrealizedPn float64
}

// OrderParams carries venue-specific placement options.
type OrderParams struct {
	ReduceOnly   bool
	PositionSide string // LONG / SHORT for hedge-mode venues
	PostOnly     bool
	ClientID     string
}

// SymbolRule describes a venue's sizing constraints for one symbol.
// ContractBased venues (OKX) quote order size in contracts of ContractSize
// base units; the others derive quantity from min-notional.
type SymbolRule struct {
	MinNotional   float64
	MinQty        float64
	QtyStep       float64
	TickSize      float64
	ContractSize  float64
	ContractBased bool
}

// AdjustQuantity clamps qty to the rule's minimum and rounds it down to
// the step (or converts to whole contracts on contract-based venues).
func (r *SymbolRule) AdjustQuantity(qty, price float64) float64 {
	if r.ContractBased && r.ContractSize > 0 {
		contracts := math.Floor(qty/r.ContractSize + 1e-9)
		if contracts < 1 {
			contracts = 1
		}
		return contracts * r.ContractSize
	}

	if r.MinNotional > 0 && price > 0 && qty*price < r.MinNotional {
		qty = r.MinNotional / price
	}
	if r.MinQty > 0 && qty < r.MinQty {
		qty = r.MinQty
	}
	if r.QtyStep > 0 {
		steps := math.Ceil(qty/r.QtyStep - 1e-9)
		qty = steps * r.QtyStep
	}
	return qty
}

// RoundPrice snaps price to the rule's tick size.
func (r *SymbolRule) RoundPrice(price float64) float64 {
	if r.TickSize <= 0 {
		return price
	}
	return math.Round(price/r.TickSize) * r.TickSize
}

// Adapter is the uniform per-exchange trading surface. Implementations
// handle their own authentication, symbol mapping, and response caching;
// callers handle retries via the Retry helper in this package.
type Adapter interface {
	// Name returns the venue identifier ("binance", "okx", ...)
	Name() string

	// CreateOrder submits an order and returns the normalized result
	CreateOrder(symbol string, side OrderSide, typ OrderType, qty, price float64, params OrderParams) (*Order, error)

	// CancelOrder cancels one order by exchange ID
	CancelOrder(id, symbol string) error

	// CancelAllOrders cancels every pending order for symbol
	CancelAllOrders(symbol string) error

	// FetchOrder returns the current state of one order
	FetchOrder(id, symbol string) (*Order, error)

	// FetchOpenOrders returns all pending orders for symbol
	FetchOpenOrders(symbol string) ([]*Order, error)

	// FetchPositions returns positions, filtered to symbols when non-empty
	FetchPositions(symbols []string) ([]*Position, error)

	// FetchBalance returns the account margin summary
	FetchBalance() (*Balance, error)

	// MarketPrice returns the symbol's current mark/last price
	MarketPrice(symbol string) (float64, error)

	// Rule returns sizing constraints for symbol
	Rule(symbol string) (*SymbolRule, error)

	// SetLeverage sets position leverage for symbol
	SetLeverage(symbol string, leverage int) error
}

// formatFloat renders a float without exponent noise for order payloads.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
