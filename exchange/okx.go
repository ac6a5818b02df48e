package exchange

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridops/logger"
)

// OKX API endpoints
const (
	okxBaseURL           = "https://www.okx.com"
	okxAccountPath       = "/api/v5/account/balance"
	okxPositionPath      = "/api/v5/account/positions"
	okxOrderPath         = "/api/v5/trade/order"
	okxCancelOrderPath   = "/api/v5/trade/cancel-order"
	okxPendingOrdersPath = "/api/v5/trade/orders-pending"
	okxLeveragePath      = "/api/v5/account/set-leverage"
	okxTickerPath        = "/api/v5/market/ticker"
	okxInstrumentsPath   = "/api/v5/public/instruments"
)

// OKXAdapter trades USDT-margined perpetual swaps on OKX. Order size is
// quoted in contracts, so quantities are precomputed from the contract
// value instead of derived from min-notional.
type OKXAdapter struct {
	apiKey     string
	secretKey  string
	passphrase string

	httpClient *http.Client

	// Instrument cache (ctVal, lotSz, tickSz)
	instrumentsCache      map[string]*okxInstrument
	instrumentsCacheTime  time.Time
	instrumentsCacheMutex sync.RWMutex

	// Position cache bounds the API call rate during tight poll loops
	cachedPositions     []*Position
	positionsCacheTime  time.Time
	positionsCacheMutex sync.RWMutex

	cacheDuration time.Duration
}

type okxInstrument struct {
	InstID string
	CtVal  float64
	LotSz  float64
	MinSz  float64
	TickSz float64
}

type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// NewOKXAdapter creates an OKX swap adapter.
func NewOKXAdapter(apiKey, secretKey, passphrase string) *OKXAdapter {
	// Disable proxies entirely: containers may inherit host proxy env vars
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*neturl.URL, error) { return nil, nil },
	}
	return &OKXAdapter{
		apiKey:           apiKey,
		secretKey:        secretKey,
		passphrase:       passphrase,
		httpClient:       &http.Client{Timeout: 30 * time.Second, Transport: transport},
		instrumentsCache: make(map[string]*okxInstrument),
		cacheDuration:    5 * time.Second,
	}
}

func (t *OKXAdapter) Name() string { return "okx" }

// sign produces the OK-ACCESS-SIGN header value.
func (t *OKXAdapter) sign(timestamp, method, requestPath, body string) string {
	h := hmac.New(sha256.New, []byte(t.secretKey))
	h.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (t *OKXAdapter) doRequest(method, path string, body interface{}) ([]byte, error) {
	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	signature := t.sign(timestamp, method, path, string(bodyBytes))

	req, err := http.NewRequest(method, okxBaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("OK-ACCESS-KEY", t.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", t.passphrase)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("okx request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read okx response: %w", err)
	}

	var okxResp okxResponse
	if err := json.Unmarshal(respBody, &okxResp); err != nil {
		return nil, fmt.Errorf("failed to parse okx response: %w", err)
	}
	if okxResp.Code != "0" {
		return nil, &APIError{Venue: "okx", Code: okxResp.Code, Msg: okxResp.Msg}
	}
	return okxResp.Data, nil
}

// convertSymbol maps BTCUSDT -> BTC-USDT-SWAP.
func (t *OKXAdapter) convertSymbol(symbol string) string {
	base := strings.TrimSuffix(symbol, "USDT")
	return fmt.Sprintf("%s-USDT-SWAP", base)
}

// instrument returns cached contract metadata for symbol.
func (t *OKXAdapter) instrument(symbol string) (*okxInstrument, error) {
	instID := t.convertSymbol(symbol)

	t.instrumentsCacheMutex.RLock()
	if inst, ok := t.instrumentsCache[instID]; ok && time.Since(t.instrumentsCacheTime) < time.Hour {
		t.instrumentsCacheMutex.RUnlock()
		return inst, nil
	}
	t.instrumentsCacheMutex.RUnlock()

	data, err := t.doRequest("GET", okxInstrumentsPath+"?instType=SWAP&instId="+instID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch okx instrument %s: %w", instID, err)
	}

	var raw []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
		TickSz string `json:"tickSz"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse okx instruments: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("unknown okx instrument: %s", instID)
	}

	inst := &okxInstrument{
		InstID: raw[0].InstID,
		CtVal:  parseFloat(raw[0].CtVal),
		LotSz:  parseFloat(raw[0].LotSz),
		MinSz:  parseFloat(raw[0].MinSz),
		TickSz: parseFloat(raw[0].TickSz),
	}

	t.instrumentsCacheMutex.Lock()
	t.instrumentsCache[instID] = inst
	t.instrumentsCacheTime = time.Now()
	t.instrumentsCacheMutex.Unlock()
	return inst, nil
}

// CreateOrder submits an order, converting quantity into contracts.
func (t *OKXAdapter) CreateOrder(symbol string, side OrderSide, typ OrderType, qty, price float64, params OrderParams) (*Order, error) {
	inst, err := t.instrument(symbol)
	if err != nil {
		return nil, err
	}

	contracts := qty
	if inst.CtVal > 0 {
		contracts = qty / inst.CtVal
	}
	if contracts < inst.MinSz {
		contracts = inst.MinSz
	}

	clientID := params.ClientID
	if clientID == "" {
		clientID = "grid" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
	}

	body := map[string]interface{}{
		"instId":  inst.InstID,
		"tdMode":  "cross",
		"side":    string(side),
		"sz":      formatFloat(contracts),
		"clOrdId": clientID,
	}
	if typ == TypeLimit {
		body["ordType"] = "limit"
		body["px"] = formatFloat(price)
		if params.PostOnly {
			body["ordType"] = "post_only"
		}
	} else {
		body["ordType"] = "market"
	}
	if params.PositionSide != "" {
		body["posSide"] = strings.ToLower(params.PositionSide)
	}
	if params.ReduceOnly {
		body["reduceOnly"] = true
	}

	data, err := t.doRequest("POST", okxOrderPath, body)
	if err != nil {
		return nil, err
	}

	var res []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &res); err != nil || len(res) == 0 {
		return nil, fmt.Errorf("failed to parse okx order response: %w", err)
	}
	if res[0].SCode != "" && res[0].SCode != "0" {
		return nil, &APIError{Venue: "okx", Code: res[0].SCode, Msg: res[0].SMsg}
	}

	t.invalidatePositions()

	return &Order{
		ID:         res[0].OrdID,
		ClientID:   res[0].ClOrdID,
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		Price:      price,
		Quantity:   contracts * inst.CtVal,
		ReduceOnly: params.ReduceOnly,
		Status:     StatusOpen,
		CreatedAt:  time.Now(),
	}, nil
}

// CancelOrder cancels one order.
func (t *OKXAdapter) CancelOrder(id, symbol string) error {
	_, err := t.doRequest("POST", okxCancelOrderPath, map[string]string{
		"instId": t.convertSymbol(symbol),
		"ordId":  id,
	})
	return err
}

// CancelAllOrders cancels every pending order for symbol one by one; OKX
// has no symbol-wide cancel for regular orders.
func (t *OKXAdapter) CancelAllOrders(symbol string) error {
	orders, err := t.FetchOpenOrders(symbol)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := t.CancelOrder(o.ID, symbol); err != nil {
			logger.Warnf("[okx] failed to cancel order %s: %v", o.ID, err)
		}
	}
	return nil
}

// FetchOrder returns one order's current state.
func (t *OKXAdapter) FetchOrder(id, symbol string) (*Order, error) {
	inst, err := t.instrument(symbol)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s?instId=%s&ordId=%s", okxOrderPath, inst.InstID, id)
	data, err := t.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	orders, err := t.parseOrders(data, symbol, inst)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("okx order %s not found", id)
	}
	return orders[0], nil
}

// FetchOpenOrders returns all pending orders for symbol.
func (t *OKXAdapter) FetchOpenOrders(symbol string) ([]*Order, error) {
	inst, err := t.instrument(symbol)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s?instType=SWAP&instId=%s", okxPendingOrdersPath, inst.InstID)
	data, err := t.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}
	return t.parseOrders(data, symbol, inst)
}

func (t *OKXAdapter) parseOrders(data []byte, symbol string, inst *okxInstrument) ([]*Order, error) {
	var raw []struct {
		OrdID      string `json:"ordId"`
		ClOrdID    string `json:"clOrdId"`
		Px         string `json:"px"`
		Sz         string `json:"sz"`
		AccFillSz  string `json:"accFillSz"`
		AvgPx      string `json:"avgPx"`
		Side       string `json:"side"`
		OrdType    string `json:"ordType"`
		State      string `json:"state"`
		ReduceOnly string `json:"reduceOnly"`
		CTime      string `json:"cTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse okx orders: %w", err)
	}

	out := make([]*Order, 0, len(raw))
	for _, o := range raw {
		typ := TypeLimit
		if o.OrdType == "market" {
			typ = TypeMarket
		}
		out = append(out, &Order{
			ID:          o.OrdID,
			ClientID:    o.ClOrdID,
			Symbol:      symbol,
			Side:        OrderSide(o.Side),
			Type:        typ,
			Price:       parseFloat(o.Px),
			Quantity:    parseFloat(o.Sz) * inst.CtVal,
			ExecutedQty: parseFloat(o.AccFillSz) * inst.CtVal,
			AvgPrice:    parseFloat(o.AvgPx),
			ReduceOnly:  o.ReduceOnly == "true",
			Status:      okxStatus(o.State),
			CreatedAt:   time.UnixMilli(int64(parseFloat(o.CTime))),
		})
	}
	return out, nil
}

// FetchPositions returns current swap positions, served from a short cache.
func (t *OKXAdapter) FetchPositions(symbols []string) ([]*Position, error) {
	t.positionsCacheMutex.RLock()
	if t.cachedPositions != nil && time.Since(t.positionsCacheTime) < t.cacheDuration {
		cached := t.cachedPositions
		t.positionsCacheMutex.RUnlock()
		return filterPositions(cached, symbols), nil
	}
	t.positionsCacheMutex.RUnlock()

	data, err := t.doRequest("GET", okxPositionPath+"?instType=SWAP", nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		InstID   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		MarkPx   string `json:"markPx"`
		NotnlUSD string `json:"notionalUsd"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse okx positions: %w", err)
	}

	positions := make([]*Position, 0, len(raw))
	for _, p := range raw {
		contracts := parseFloat(p.Pos)
		if contracts == 0 {
			continue
		}
		symbol := t.convertSymbolBack(p.InstID)
		inst, err := t.instrument(symbol)
		if err != nil {
			continue
		}
		side := p.PosSide
		if side == "" || side == "net" {
			side = "long"
			if contracts < 0 {
				side = "short"
				contracts = -contracts
			}
		}
		positions = append(positions, &Position{
			Symbol:      symbol,
			Side:        side,
			Quantity:    contracts * inst.CtVal,
			EntryPrice:  parseFloat(p.AvgPx),
			MarkPrice:   parseFloat(p.MarkPx),
			NotionalUSD: parseFloat(p.NotnlUSD),
		})
	}

	t.positionsCacheMutex.Lock()
	t.cachedPositions = positions
	t.positionsCacheTime = time.Now()
	t.positionsCacheMutex.Unlock()

	return filterPositions(positions, symbols), nil
}

// convertSymbolBack maps BTC-USDT-SWAP -> BTCUSDT.
func (t *OKXAdapter) convertSymbolBack(instID string) string {
	parts := strings.Split(instID, "-")
	if len(parts) >= 2 {
		return parts[0] + parts[1]
	}
	return instID
}

// FetchBalance returns the unified account summary.
func (t *OKXAdapter) FetchBalance() (*Balance, error) {
	data, err := t.doRequest("GET", okxAccountPath, nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		TotalEq string `json:"totalEq"`
		AdjEq   string `json:"adjEq"`
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			UPL      string `json:"upl"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse okx balance: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty okx balance response")
	}

	bal := &Balance{TotalEquity: parseFloat(raw[0].TotalEq)}
	for _, d := range raw[0].Details {
		if d.Ccy == "USDT" {
			bal.Available = parseFloat(d.AvailBal)
			bal.UnrealizedPn = parseFloat(d.UPL)
		}
	}
	return bal, nil
}

// MarketPrice returns the last traded price for symbol.
func (t *OKXAdapter) MarketPrice(symbol string) (float64, error) {
	path := okxTickerPath + "?instId=" + t.convertSymbol(symbol)
	data, err := t.doRequest("GET", path, nil)
	if err != nil {
		return 0, err
	}

	var raw []struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return 0, fmt.Errorf("failed to parse okx ticker for %s", symbol)
	}
	return parseFloat(raw[0].Last), nil
}

// Rule returns contract-based sizing constraints.
func (t *OKXAdapter) Rule(symbol string) (*SymbolRule, error) {
	inst, err := t.instrument(symbol)
	if err != nil {
		return nil, err
	}
	return &SymbolRule{
		MinQty:        inst.MinSz * inst.CtVal,
		QtyStep:       inst.LotSz * inst.CtVal,
		TickSize:      inst.TickSz,
		ContractSize:  inst.CtVal,
		ContractBased: true,
	}, nil
}

// SetLeverage sets cross-margin leverage for symbol.
func (t *OKXAdapter) SetLeverage(symbol string, leverage int) error {
	_, err := t.doRequest("POST", okxLeveragePath, map[string]string{
		"instId":  t.convertSymbol(symbol),
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": "cross",
	})
	return err
}

func (t *OKXAdapter) invalidatePositions() {
	t.positionsCacheMutex.Lock()
	t.cachedPositions = nil
	t.positionsCacheMutex.Unlock()
}

func okxStatus(state string) OrderStatus {
	switch state {
	case "filled":
		return StatusFilled
	case "canceled", "mmp_canceled":
		return StatusCanceled
	default:
		return StatusOpen
	}
}
