package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flowbot/internal/venue"

	"go.uber.org/zap"
)

// Client talks to the Binance USD-M futures REST API. It implements
// venue.MarketDataProvider, venue.AccountProvider and venue.OrderVenue.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow int64
	http       *http.Client
	log        *zap.Logger
	now        func() time.Time
}

func New(baseURL, apiKey, apiSecret string, recvWindow int64, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: recvWindow,
		http:       &http.Client{Timeout: timeout},
		log:        log,
		now:        time.Now,
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e apiError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Msg)
}

// Rejection codes that mean the book could not fill the order, mapped to
// the shared liquidity sentinel so the execution chain can slide and retry.
func classify(err error) error {
	var apiErr apiError
	if e, ok := err.(apiError); ok {
		apiErr = e
	} else {
		return err
	}
	switch apiErr.Code {
	case -2010, -5021, -5022: // order would not fill / FOK-IOC expired
		return fmt.Errorf("%w: %s", venue.ErrNoLiquidity, apiErr.Msg)
	case -2022: // ReduceOnly order is rejected
		return fmt.Errorf("%w: %s", venue.ErrReduceOnlyReject, apiErr.Msg)
	}
	return apiErr
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
		}
		params.Set("signature", c.sign(params.Encode()))
	}
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return classify(apiErr)
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sample polls book ticker, depth, premium index and open interest for one
// symbol. Any upstream failure returns ErrNoSample so the caller records a
// missing sample instead of a fabricated one.
func (c *Client) Sample(ctx context.Context, symbol string) (venue.Sample, error) {
	params := url.Values{"symbol": {symbol}}

	var book struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false, &book); err != nil {
		return venue.Sample{}, fmt.Errorf("%w: %v", venue.ErrNoSample, err)
	}
	bid := parseFloat(book.BidPrice)
	ask := parseFloat(book.AskPrice)
	if bid <= 0 || ask <= 0 {
		return venue.Sample{}, fmt.Errorf("%w: empty book for %s", venue.ErrNoSample, symbol)
	}

	depthParams := url.Values{"symbol": {symbol}, "limit": {"20"}}
	var depth struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/depth", depthParams, false, &depth); err != nil {
		return venue.Sample{}, fmt.Errorf("%w: %v", venue.ErrNoSample, err)
	}

	var premium struct {
		MarkPrice       string `json:"markPrice"`
		LastFundingRate string `json:"lastFundingRate"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, &premium); err != nil {
		return venue.Sample{}, fmt.Errorf("%w: %v", venue.ErrNoSample, err)
	}

	var oi struct {
		OpenInterest string `json:"openInterest"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/openInterest", params, false, &oi); err != nil {
		return venue.Sample{}, fmt.Errorf("%w: %v", venue.ErrNoSample, err)
	}

	mid := (bid + ask) / 2
	return venue.Sample{
		Symbol:       symbol,
		Timestamp:    c.now().UTC(),
		Price:        mid,
		MarkPrice:    parseFloat(premium.MarkPrice),
		BidDepthUSD:  notional(depth.Bids),
		AskDepthUSD:  notional(depth.Asks),
		FundingRate:  parseFloat(premium.LastFundingRate),
		OpenInterest: parseFloat(oi.OpenInterest) * mid,
	}, nil
}

// Indicators derives ADX/ATR%/EMA regime inputs from recent klines.
func (c *Client) Indicators(ctx context.Context, symbol string) (venue.Indicators, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {"5m"},
		"limit":    {"120"},
	}
	var raw [][]any
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &raw); err != nil {
		return venue.Indicators{}, fmt.Errorf("%w: %v", venue.ErrNoSample, err)
	}
	candles := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 5 {
			continue
		}
		candles = append(candles, Candle{
			High:  parseAnyFloat(row[2]),
			Low:   parseAnyFloat(row[3]),
			Close: parseAnyFloat(row[4]),
		})
	}
	return Compute(candles), nil
}

func (c *Client) Position(ctx context.Context, symbol string) (venue.Position, bool, error) {
	params := url.Values{"symbol": {symbol}}
	var rows []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		Leverage    string `json:"leverage"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &rows); err != nil {
		return venue.Position{}, false, err
	}
	for _, row := range rows {
		qty := parseFloat(row.PositionAmt)
		if row.Symbol != symbol || qty == 0 {
			continue
		}
		side := venue.SideLong
		if qty < 0 {
			side = venue.SideShort
			qty = -qty
		}
		return venue.Position{
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: parseFloat(row.EntryPrice),
			Leverage:   parseFloat(row.Leverage),
		}, true, nil
	}
	return venue.Position{}, false, nil
}

func (c *Client) Account(ctx context.Context) (venue.AccountState, error) {
	var acct struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
		AvailableBalance   string `json:"availableBalance"`
		TotalUnrealized    string `json:"totalUnrealizedProfit"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true, &acct); err != nil {
		return venue.AccountState{}, err
	}
	return venue.AccountState{
		Equity:       parseFloat(acct.TotalMarginBalance),
		Available:    parseFloat(acct.AvailableBalance),
		UnrealizedPL: parseFloat(acct.TotalUnrealized),
	}, nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]venue.OpenOrder, error) {
	params := url.Values{"symbol": {symbol}}
	var rows []struct {
		OrderID    int64  `json:"orderId"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Type       string `json:"type"`
		OrigQty    string `json:"origQty"`
		Price      string `json:"price"`
		StopPrice  string `json:"stopPrice"`
		ReduceOnly bool   `json:"reduceOnly"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, &rows); err != nil {
		return nil, err
	}
	orders := make([]venue.OpenOrder, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, venue.OpenOrder{
			OrderID:    strconv.FormatInt(row.OrderID, 10),
			Symbol:     row.Symbol,
			Side:       row.Side,
			Type:       venue.OrderType(row.Type),
			Quantity:   parseFloat(row.OrigQty),
			Price:      parseFloat(row.Price),
			StopPrice:  parseFloat(row.StopPrice),
			ReduceOnly: row.ReduceOnly,
		})
	}
	return orders, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	params := url.Values{
		"symbol": {req.Symbol},
		"side":   {req.Side},
		"type":   {string(req.Type)},
	}
	if req.Quantity > 0 {
		params.Set("quantity", formatFloat(req.Quantity))
	}
	if req.Price > 0 {
		params.Set("price", formatFloat(req.Price))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", string(req.TimeInForce))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClosePosition {
		params.Set("closePosition", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("newOrderRespType", "RESULT")

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &resp); err != nil {
		return venue.OrderAck{}, err
	}
	return venue.OrderAck{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Status:      venue.OrderStatus(resp.Status),
		ExecutedQty: parseFloat(resp.ExecutedQty),
		AvgPrice:    parseFloat(resp.AvgPrice),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	return c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true, nil)
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{"symbol": {symbol}}
	return c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true, nil)
}

func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (venue.OrderAck, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/order", params, true, &resp); err != nil {
		return venue.OrderAck{}, err
	}
	return venue.OrderAck{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Status:      venue.OrderStatus(resp.Status),
		ExecutedQty: parseFloat(resp.ExecutedQty),
		AvgPrice:    parseFloat(resp.AvgPrice),
	}, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{
		"symbol":   {symbol},
		"leverage": {strconv.Itoa(leverage)},
	}
	return c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil)
}

func notional(levels [][]string) float64 {
	total := 0.0
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		total += parseFloat(level[0]) * parseFloat(level[1])
	}
	return total
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseAnyFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		return parseFloat(t)
	case float64:
		return t
	}
	return 0
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
