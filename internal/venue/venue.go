package venue

import (
	"context"
	"errors"
	"time"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Sample is one raw per-symbol market observation. Derived fund-flow
// features are computed downstream against the previous sample.
type Sample struct {
	Symbol       string
	Timestamp    time.Time
	Price        float64
	MarkPrice    float64
	BidDepthUSD  float64
	AskDepthUSD  float64
	FundingRate  float64
	OpenInterest float64
	// SignalStrength distinguishes a signal-driven poll from a scheduled
	// heartbeat. Weak heuristic, preserved as-is for compatibility.
	SignalStrength float64
}

// Indicators carry the regime inputs for one symbol. Valid is false when
// the lookback window was too short to compute them.
type Indicators struct {
	ADX     float64
	ATRPct  float64
	EMAFast float64
	EMASlow float64
	Valid   bool
}

type Position struct {
	Symbol     string
	Side       Side
	Quantity   float64
	EntryPrice float64
	Leverage   float64
}

type AccountState struct {
	Equity       float64
	Available    float64
	UnrealizedPL float64
}

type OrderType string

const (
	OrderMarket        OrderType = "MARKET"
	OrderLimit         OrderType = "LIMIT"
	OrderStopMarket    OrderType = "STOP_MARKET"
	OrderTakeProfitMkt OrderType = "TAKE_PROFIT_MARKET"
)

type TimeInForce string

const (
	TifIOC TimeInForce = "IOC"
	TifGTC TimeInForce = "GTC"
)

type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          OrderType
	TimeInForce   TimeInForce
	Quantity      float64
	Price         float64
	StopPrice     float64
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

type OrderAck struct {
	OrderID     string
	Status      OrderStatus
	ExecutedQty float64
	AvgPrice    float64
}

type OpenOrder struct {
	OrderID    string
	Symbol     string
	Side       string
	Type       OrderType
	Quantity   float64
	Price      float64
	StopPrice  float64
	ReduceOnly bool
}

// Protective reports whether the order is a resting TP/SL order.
func (o OpenOrder) Protective() bool {
	return o.Type == OrderStopMarket || o.Type == OrderTakeProfitMkt
}

// Venue error classes. Clients map venue-specific rejection codes onto
// these so the execution chain can branch without string matching.
var (
	ErrNoLiquidity      = errors.New("order not filled: insufficient liquidity")
	ErrReduceOnlyReject = errors.New("reduce-only order rejected")
	ErrNoSample         = errors.New("no market sample available")
)

type MarketDataProvider interface {
	Sample(ctx context.Context, symbol string) (Sample, error)
	Indicators(ctx context.Context, symbol string) (Indicators, error)
}

type AccountProvider interface {
	Position(ctx context.Context, symbol string) (Position, bool, error)
	Account(ctx context.Context) (AccountState, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
}

type OrderVenue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	OrderStatus(ctx context.Context, symbol, orderID string) (OrderAck, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}
