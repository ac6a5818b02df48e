package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"

	"gridops/logger"
)

// BinanceAdapter trades USDT-M futures through the official REST API.
type BinanceAdapter struct {
	client *futures.Client

	// Rule cache: exchange info is large and changes rarely
	rulesCache      map[string]*SymbolRule
	rulesCacheTime  time.Time
	rulesCacheMutex sync.RWMutex

	// Position cache bounds the API call rate during tight poll loops
	cachedPositions     []*Position
	positionsCacheTime  time.Time
	positionsCacheMutex sync.RWMutex

	cacheDuration time.Duration
}

// NewBinanceAdapter creates a Binance USDT-M futures adapter.
func NewBinanceAdapter(apiKey, secretKey string) *BinanceAdapter {
	return &BinanceAdapter{
		client:        futures.NewClient(apiKey, secretKey),
		rulesCache:    make(map[string]*SymbolRule),
		cacheDuration: 5 * time.Second,
	}
}

func (t *BinanceAdapter) Name() string { return "binance" }

func (t *BinanceAdapter) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// wrapErr normalizes binance API errors into the shared taxonomy.
func (t *BinanceAdapter) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Venue: "binance", Code: strconv.FormatInt(apiErr.Code, 10), Msg: apiErr.Message}
	}
	return err
}

// CreateOrder submits a limit or market order.
func (t *BinanceAdapter) CreateOrder(symbol string, side OrderSide, typ OrderType, qty, price float64, params OrderParams) (*Order, error) {
	ctx, cancel := t.ctx()
	defer cancel()

	clientID := params.ClientID
	if clientID == "" {
		clientID = "grid-" + uuid.New().String()[:18]
	}

	svc := t.client.NewCreateOrderService().
		Symbol(symbol).
		NewClientOrderID(clientID).
		Quantity(formatFloat(qty))

	if side == SideBuy {
		svc.Side(futures.SideTypeBuy)
	} else {
		svc.Side(futures.SideTypeSell)
	}

	switch typ {
	case TypeLimit:
		svc.Type(futures.OrderTypeLimit).Price(formatFloat(price))
		if params.PostOnly {
			svc.TimeInForce(futures.TimeInForceTypeGTX)
		} else {
			svc.TimeInForce(futures.TimeInForceTypeGTC)
		}
	default:
		svc.Type(futures.OrderTypeMarket)
	}

	// One-way mode uses the reduceOnly flag; hedge mode wants posSide instead
	if params.PositionSide != "" {
		svc.PositionSide(futures.PositionSideType(params.PositionSide))
	} else if params.ReduceOnly {
		svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, t.wrapErr(err)
	}

	t.invalidatePositions()

	return &Order{
		ID:         strconv.FormatInt(res.OrderID, 10),
		ClientID:   res.ClientOrderID,
		Symbol:     res.Symbol,
		Side:       side,
		Type:       typ,
		Price:      price,
		Quantity:   qty,
		ReduceOnly: params.ReduceOnly,
		Status:     binanceStatus(res.Status),
		CreatedAt:  time.Now(),
	}, nil
}

// CancelOrder cancels one order.
func (t *BinanceAdapter) CancelOrder(id, symbol string) error {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid binance order id %q: %w", id, err)
	}

	ctx, cancel := t.ctx()
	defer cancel()

	_, err = t.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return t.wrapErr(err)
}

// CancelAllOrders cancels every pending order for symbol.
func (t *BinanceAdapter) CancelAllOrders(symbol string) error {
	ctx, cancel := t.ctx()
	defer cancel()
	return t.wrapErr(t.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx))
}

// FetchOrder returns one order's current state.
func (t *BinanceAdapter) FetchOrder(id, symbol string) (*Order, error) {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid binance order id %q: %w", id, err)
	}

	ctx, cancel := t.ctx()
	defer cancel()

	res, err := t.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, t.wrapErr(err)
	}
	return binanceOrder(res), nil
}

// FetchOpenOrders returns all pending orders for symbol.
func (t *BinanceAdapter) FetchOpenOrders(symbol string) ([]*Order, error) {
	ctx, cancel := t.ctx()
	defer cancel()

	res, err := t.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, t.wrapErr(err)
	}

	orders := make([]*Order, 0, len(res))
	for _, o := range res {
		orders = append(orders, binanceOrder(o))
	}
	return orders, nil
}

// FetchPositions returns current positions, served from a short cache.
func (t *BinanceAdapter) FetchPositions(symbols []string) ([]*Position, error) {
	t.positionsCacheMutex.RLock()
	if t.cachedPositions != nil && time.Since(t.positionsCacheTime) < t.cacheDuration {
		cached := t.cachedPositions
		t.positionsCacheMutex.RUnlock()
		return filterPositions(cached, symbols), nil
	}
	t.positionsCacheMutex.RUnlock()

	ctx, cancel := t.ctx()
	defer cancel()

	res, err := t.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, t.wrapErr(err)
	}

	positions := make([]*Position, 0, len(res))
	for _, p := range res {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		mark := parseFloat(p.MarkPrice)
		positions = append(positions, &Position{
			Symbol:      p.Symbol,
			Side:        side,
			Quantity:    amt,
			EntryPrice:  parseFloat(p.EntryPrice),
			MarkPrice:   mark,
			NotionalUSD: amt * mark,
		})
	}

	t.positionsCacheMutex.Lock()
	t.cachedPositions = positions
	t.positionsCacheTime = time.Now()
	t.positionsCacheMutex.Unlock()

	return filterPositions(positions, symbols), nil
}

// FetchBalance returns the futures account margin summary.
func (t *BinanceAdapter) FetchBalance() (*Balance, error) {
	ctx, cancel := t.ctx()
	defer cancel()

	acct, err := t.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, t.wrapErr(err)
	}

	wallet := parseFloat(acct.TotalWalletBalance)
	unrealized := parseFloat(acct.TotalUnrealizedProfit)
	return &Balance{
		TotalEquity:  wallet + unrealized,
		Available:    parseFloat(acct.AvailableBalance),
		UnrealizedPn: unrealized,
	}, nil
}

// MarketPrice returns the last traded price for symbol.
func (t *BinanceAdapter) MarketPrice(symbol string) (float64, error) {
	ctx, cancel := t.ctx()
	defer cancel()

	prices, err := t.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, t.wrapErr(err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	return parseFloat(prices[0].Price), nil
}

// Rule returns sizing constraints, cached for an hour.
func (t *BinanceAdapter) Rule(symbol string) (*SymbolRule, error) {
	t.rulesCacheMutex.RLock()
	if rule, ok := t.rulesCache[symbol]; ok && time.Since(t.rulesCacheTime) < time.Hour {
		t.rulesCacheMutex.RUnlock()
		return rule, nil
	}
	t.rulesCacheMutex.RUnlock()

	ctx, cancel := t.ctx()
	defer cancel()

	info, err := t.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, t.wrapErr(err)
	}

	t.rulesCacheMutex.Lock()
	t.rulesCache = make(map[string]*SymbolRule, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		rule := &SymbolRule{}
		if f := s.LotSizeFilter(); f != nil {
			rule.MinQty = parseFloat(f.MinQuantity)
			rule.QtyStep = parseFloat(f.StepSize)
		}
		if f := s.PriceFilter(); f != nil {
			rule.TickSize = parseFloat(f.TickSize)
		}
		if f := s.MinNotionalFilter(); f != nil {
			rule.MinNotional = parseFloat(f.Notional)
		}
		t.rulesCache[s.Symbol] = rule
	}
	t.rulesCacheTime = time.Now()
	rule, ok := t.rulesCache[symbol]
	t.rulesCacheMutex.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown binance symbol: %s", symbol)
	}
	return rule, nil
}

// SetLeverage sets position leverage for symbol.
func (t *BinanceAdapter) SetLeverage(symbol string, leverage int) error {
	ctx, cancel := t.ctx()
	defer cancel()

	_, err := t.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		logger.Warnf("[binance] failed to set leverage %dx for %s: %v", leverage, symbol, err)
	}
	return t.wrapErr(err)
}

func (t *BinanceAdapter) invalidatePositions() {
	t.positionsCacheMutex.Lock()
	t.cachedPositions = nil
	t.positionsCacheMutex.Unlock()
}

func binanceOrder(o *futures.Order) *Order {
	side := SideBuy
	if o.Side == futures.SideTypeSell {
		side = SideSell
	}
	typ := TypeLimit
	if o.Type == futures.OrderTypeMarket {
		typ = TypeMarket
	}
	return &Order{
		ID:          strconv.FormatInt(o.OrderID, 10),
		ClientID:    o.ClientOrderID,
		Symbol:      o.Symbol,
		Side:        side,
		Type:        typ,
		Price:       parseFloat(o.Price),
		Quantity:    parseFloat(o.OrigQuantity),
		ExecutedQty: parseFloat(o.ExecutedQuantity),
		AvgPrice:    parseFloat(o.AvgPrice),
		ReduceOnly:  o.ReduceOnly,
		Status:      binanceStatus(o.Status),
		CreatedAt:   time.UnixMilli(o.Time),
	}
}

func binanceStatus(s futures.OrderStatusType) OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return StatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired,
		futures.OrderStatusTypeRejected:
		return StatusCanceled
	default:
		return StatusOpen
	}
}

func filterPositions(positions []*Position, symbols []string) []*Position {
	if len(symbols) == 0 {
		return positions
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []*Position
	for _, p := range positions {
		if want[p.Symbol] {
			out = append(out, p)
		}
	}
	return out
}
