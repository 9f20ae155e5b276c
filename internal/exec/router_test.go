package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"flowbot/internal/config"
	"flowbot/internal/venue"
)

type orderResp struct {
	ack venue.OrderAck
	err error
}

type mockOrders struct {
	placed     []venue.OrderRequest
	responses  []orderResp
	statusAcks []venue.OrderAck
	cancelAll  int
	levErr     error
}

func (m *mockOrders) PlaceOrder(_ context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	m.placed = append(m.placed, req)
	if len(m.responses) == 0 {
		return venue.OrderAck{OrderID: "auto", Status: venue.StatusFilled, ExecutedQty: req.Quantity, AvgPrice: req.Price}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp.ack, resp.err
}

func (m *mockOrders) CancelOrder(context.Context, string, string) error { return nil }

func (m *mockOrders) CancelAllOrders(context.Context, string) error {
	m.cancelAll++
	return nil
}

func (m *mockOrders) OrderStatus(context.Context, string, string) (venue.OrderAck, error) {
	if len(m.statusAcks) == 0 {
		return venue.OrderAck{}, nil
	}
	ack := m.statusAcks[0]
	if len(m.statusAcks) > 1 {
		m.statusAcks = m.statusAcks[1:]
	}
	return ack, nil
}

func (m *mockOrders) SetLeverage(context.Context, string, int) error { return m.levErr }

type posResp struct {
	pos venue.Position
	ok  bool
}

type mockAccounts struct {
	acct  venue.AccountState
	poss  []posResp
	calls int
}

func (m *mockAccounts) Position(context.Context, string) (venue.Position, bool, error) {
	i := m.calls
	m.calls++
	if i >= len(m.poss) {
		if len(m.poss) == 0 {
			return venue.Position{}, false, nil
		}
		i = len(m.poss) - 1
	}
	return m.poss[i].pos, m.poss[i].ok, nil
}

func (m *mockAccounts) Account(context.Context) (venue.AccountState, error) {
	return m.acct, nil
}

func (m *mockAccounts) OpenOrders(context.Context, string) ([]venue.OpenOrder, error) {
	return nil, nil
}

type memStore struct {
	m map[string]string
}

func newMemStore() *memStore { return &memStore{m: make(map[string]string)} }

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.m[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	delete(s.m, key)
	return nil
}

func (s *memStore) Close() error { return nil }

func execCfg() config.ExecutionConfig {
	return config.ExecutionConfig{
		Leverage:       5,
		MinNotionalUSD: 10,
		OpenRetries:    3,
		OpenStepBps:    5,
		CloseRetries:   5,
		CloseStepBps:   10,
		GTCBoundaryPct: 1,
		TakeProfitPct:  1.5,
		StopLossPct:    1.0,
	}
}

func filled(id string, qty, price float64) orderResp {
	return orderResp{ack: venue.OrderAck{OrderID: id, Status: venue.StatusFilled, ExecutedQty: qty, AvgPrice: price}}
}

func TestOpenFillsFirstAttempt(t *testing.T) {
	orders := &mockOrders{responses: []orderResp{
		filled("o1", 50, 100),
		filled("tp1", 0, 0),
		filled("sl1", 0, 0),
	}}
	accounts := &mockAccounts{
		acct: venue.AccountState{Equity: 10000, Available: 10000},
		poss: []posResp{{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 50, EntryPrice: 100}, ok: true}},
	}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.1, Leverage: 5, Price: 100})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if res.FilledQty != 50 {
		t.Fatalf("filled = %f, want 50", res.FilledQty)
	}
	if !res.ProtectionComplete || res.TPOrderID != "tp1" || res.SLOrderID != "sl1" {
		t.Fatalf("protection incomplete: %+v", res)
	}
	if len(orders.placed) != 3 {
		t.Fatalf("placed %d orders, want 3", len(orders.placed))
	}
	tp := orders.placed[1]
	if tp.Type != venue.OrderTakeProfitMkt || tp.Side != "SELL" || tp.StopPrice != 101.5 || !tp.ClosePosition {
		t.Fatalf("bad tp order: %+v", tp)
	}
	sl := orders.placed[2]
	if sl.Type != venue.OrderStopMarket || sl.StopPrice != 99 {
		t.Fatalf("bad sl order: %+v", sl)
	}
}

func TestOpenSlidesOnLiquidityFailure(t *testing.T) {
	orders := &mockOrders{responses: []orderResp{
		{err: venue.ErrNoLiquidity},
		{err: venue.ErrNoLiquidity},
		filled("o3", 50, 100.1),
		filled("tp1", 0, 0),
		filled("sl1", 0, 0),
	}}
	accounts := &mockAccounts{
		acct: venue.AccountState{Available: 10000},
		poss: []posResp{{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 50, EntryPrice: 100.1}, ok: true}},
	}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.1, Leverage: 5, Price: 100})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if got := orders.placed[1].Price; got != 100.05 {
		t.Fatalf("slip-1 price = %f, want 100.05", got)
	}
	if got := orders.placed[2].Price; got != 100.1 {
		t.Fatalf("slip-2 price = %f, want 100.1", got)
	}
	tags := []string{"limit-ioc", "limit-ioc-slip-1", "limit-ioc-slip-2"}
	for i, want := range tags {
		if res.Path[i].Tag != want {
			t.Fatalf("path[%d] = %s, want %s", i, res.Path[i].Tag, want)
		}
	}
}

func TestOpenExhaustedChain(t *testing.T) {
	orders := &mockOrders{responses: []orderResp{
		{err: venue.ErrNoLiquidity},
		{err: venue.ErrNoLiquidity},
		{err: venue.ErrNoLiquidity},
		{err: venue.ErrNoLiquidity},
	}}
	accounts := &mockAccounts{acct: venue.AccountState{Available: 10000}}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.1, Leverage: 5, Price: 100})
	if res.Status != StatusError {
		t.Fatalf("status = %s", res.Status)
	}
	if !errors.Is(res.Err, ErrLiquidityInsufficient) {
		t.Fatalf("err = %v, want liquidity insufficient", res.Err)
	}
	if len(orders.placed) != 4 {
		t.Fatalf("placed %d orders, want 4", len(orders.placed))
	}
}

func TestOpenRollsBackOnProtectionFailure(t *testing.T) {
	orders := &mockOrders{responses: []orderResp{
		filled("o1", 50, 100),
		{err: fmt.Errorf("venue rejected tp")},
		filled("sl1", 0, 0),
		filled("flat1", 50, 99.8),
	}}
	pos := venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 50, EntryPrice: 100}
	accounts := &mockAccounts{
		acct: venue.AccountState{Available: 10000},
		poss: []posResp{{pos: pos, ok: true}, {pos: pos, ok: true}},
	}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.1, Leverage: 5, Price: 100})
	if res.Status != StatusError {
		t.Fatalf("status = %s", res.Status)
	}
	if !res.RolledBack {
		t.Fatalf("expected rollback, got %+v", res)
	}
	if !errors.Is(res.Err, ErrProtectionIncomplete) {
		t.Fatalf("err = %v, want protection incomplete", res.Err)
	}
	last := orders.placed[len(orders.placed)-1]
	if last.Type != venue.OrderMarket || !last.ReduceOnly || last.Side != "SELL" {
		t.Fatalf("expected reduce-only market flatten, got %+v", last)
	}
	if orders.cancelAll != 1 {
		t.Fatalf("cancel-all calls = %d, want 1", orders.cancelAll)
	}
}

func TestOpenStandingRiskWhenRollbackDisabled(t *testing.T) {
	orders := &mockOrders{responses: []orderResp{
		filled("o1", 50, 100),
		{err: fmt.Errorf("venue rejected tp")},
		filled("sl1", 0, 0),
	}}
	accounts := &mockAccounts{
		acct: venue.AccountState{Available: 10000},
		poss: []posResp{{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 50, EntryPrice: 100}, ok: true}},
	}
	cfg := execCfg()
	off := false
	cfg.RollbackOnTPSLFail = &off
	r := NewRouter(orders, accounts, nil, cfg, nil, nil)

	res := r.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.1, Leverage: 5, Price: 100})
	if res.Status != StatusError || res.RolledBack {
		t.Fatalf("expected standing-risk error without rollback, got %+v", res)
	}
	if len(orders.placed) != 3 {
		t.Fatalf("placed %d orders, want 3 (no flatten)", len(orders.placed))
	}
}

func TestOpenFailsClosedOnStrictLeverageSync(t *testing.T) {
	orders := &mockOrders{levErr: fmt.Errorf("leverage endpoint down")}
	accounts := &mockAccounts{acct: venue.AccountState{Available: 10000}}
	cfg := execCfg()
	cfg.StrictLeverageSync = true
	r := NewRouter(orders, accounts, nil, cfg, nil, nil)

	res := r.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.1, Leverage: 5, Price: 100})
	if res.Status != StatusError || res.Err == nil {
		t.Fatalf("expected fail-closed error, got %+v", res)
	}
	if len(orders.placed) != 0 {
		t.Fatalf("no orders should be placed, got %d", len(orders.placed))
	}
}

func TestOpenBumpsToMinNotional(t *testing.T) {
	orders := &mockOrders{}
	accounts := &mockAccounts{
		acct: venue.AccountState{Available: 10},
		poss: []posResp{{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 1, EntryPrice: 100}, ok: true}},
	}
	cfg := execCfg()
	cfg.MinNotionalUSD = 100
	r := NewRouter(orders, accounts, nil, cfg, nil, nil)

	res := r.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.01, Leverage: 5, Price: 100})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if got := orders.placed[0].Quantity; got != 1 {
		t.Fatalf("quantity = %f, want 1 (min notional 100 at price 100)", got)
	}
}

func TestCloseNoopWhenFlat(t *testing.T) {
	orders := &mockOrders{}
	accounts := &mockAccounts{}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.Close(context.Background(), CloseRequest{Symbol: "BTCUSDT", Fraction: 1, Price: 100})
	if res.Status != StatusNoop {
		t.Fatalf("status = %s, want noop", res.Status)
	}
	if len(orders.placed) != 0 {
		t.Fatalf("no orders expected, got %d", len(orders.placed))
	}
}

func TestCloseFullCancelsRestingOrders(t *testing.T) {
	orders := &mockOrders{responses: []orderResp{filled("c1", 50, 100)}}
	accounts := &mockAccounts{poss: []posResp{
		{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 50, EntryPrice: 99}, ok: true},
	}}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.Close(context.Background(), CloseRequest{Symbol: "BTCUSDT", Fraction: 1, Price: 100})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	first := orders.placed[0]
	if first.Side != "SELL" || !first.ReduceOnly || first.TimeInForce != venue.TifIOC {
		t.Fatalf("bad close order: %+v", first)
	}
	if orders.cancelAll != 1 {
		t.Fatalf("cancel-all calls = %d, want 1", orders.cancelAll)
	}
}

func TestCloseSlidesDownForLong(t *testing.T) {
	orders := &mockOrders{responses: []orderResp{
		{err: venue.ErrNoLiquidity},
		filled("c2", 50, 99.9),
	}}
	accounts := &mockAccounts{poss: []posResp{
		{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 50, EntryPrice: 99}, ok: true},
	}}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.Close(context.Background(), CloseRequest{Symbol: "BTCUSDT", Fraction: 1, Price: 100})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if got := orders.placed[1].Price; got != 99.9 {
		t.Fatalf("slip-1 price = %f, want 99.9", got)
	}
}

func TestCloseReconcilesReduceOnlyReject(t *testing.T) {
	orders := &mockOrders{responses: []orderResp{{err: venue.ErrReduceOnlyReject}}}
	accounts := &mockAccounts{poss: []posResp{
		{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 50, EntryPrice: 99}, ok: true},
		{ok: false},
	}}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.Close(context.Background(), CloseRequest{Symbol: "BTCUSDT", Fraction: 1, Price: 100})
	if res.Status != StatusNoop {
		t.Fatalf("status = %s, want noop after reconcile, err = %v", res.Status, res.Err)
	}
	if orders.cancelAll != 1 {
		t.Fatalf("cancel-all calls = %d, want 1", orders.cancelAll)
	}
}

func TestForceFlattenNoopWhenFlat(t *testing.T) {
	orders := &mockOrders{}
	accounts := &mockAccounts{}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.ForceFlatten(context.Background(), "BTCUSDT")
	if res.Status != StatusNoop {
		t.Fatalf("status = %s, want noop", res.Status)
	}
	if orders.cancelAll != 1 {
		t.Fatalf("cancel-all calls = %d, want 1", orders.cancelAll)
	}
}

func TestPlaceIsIdempotentOnClientOrderID(t *testing.T) {
	orders := &mockOrders{responses: []orderResp{filled("o1", 1, 100)}}
	r := NewRouter(orders, &mockAccounts{}, nil, execCfg(), nil, nil)

	req := venue.OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Type: venue.OrderMarket, Quantity: 1, ClientOrderID: "fb-fixed"}
	a1, err := r.place(context.Background(), req)
	if err != nil {
		t.Fatalf("first place: %v", err)
	}
	a2, err := r.place(context.Background(), req)
	if err != nil {
		t.Fatalf("second place: %v", err)
	}
	if a1.OrderID != a2.OrderID {
		t.Fatalf("acks differ: %s vs %s", a1.OrderID, a2.OrderID)
	}
	if len(orders.placed) != 1 {
		t.Fatalf("venue hit %d times, want 1", len(orders.placed))
	}
}

func TestOpenGTCFallbackRestsAsPending(t *testing.T) {
	cfg := execCfg()
	cfg.OpenRetries = 1
	cfg.OpenGTCFallback = true
	orders := &mockOrders{responses: []orderResp{
		{err: venue.ErrNoLiquidity},
		{err: venue.ErrNoLiquidity},
		{ack: venue.OrderAck{OrderID: "g1", Status: venue.StatusNew, ExecutedQty: 0}},
	}}
	accounts := &mockAccounts{acct: venue.AccountState{Available: 10000}}
	r := NewRouter(orders, accounts, nil, cfg, nil, nil)

	res := r.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.1, Leverage: 5, Price: 100})
	if res.Status != StatusPending {
		t.Fatalf("status = %s, err = %v, want pending", res.Status, res.Err)
	}
	if res.Err != nil {
		t.Fatalf("pending result must carry no error, got %v", res.Err)
	}
	last := res.Path[len(res.Path)-1]
	if last.Tag != "gtc-fallback" || last.OrderID != "g1" {
		t.Fatalf("last step = %+v, want resting gtc-fallback g1", last)
	}
	if res.RemainingQty != 50 {
		t.Fatalf("remaining = %f, want full quantity", res.RemainingQty)
	}
	// No fill yet means nothing to protect and nothing to roll back.
	if res.TPOrderID != "" || res.SLOrderID != "" || res.RolledBack {
		t.Fatalf("pending open must not touch protection: %+v", res)
	}
}

func TestCloseGTCFallbackRestsAsPending(t *testing.T) {
	cfg := execCfg()
	cfg.CloseRetries = 1
	cfg.CloseGTCFallback = true
	orders := &mockOrders{responses: []orderResp{
		{err: venue.ErrNoLiquidity},
		{err: venue.ErrNoLiquidity},
		{ack: venue.OrderAck{OrderID: "g2", Status: venue.StatusNew, ExecutedQty: 0}},
	}}
	accounts := &mockAccounts{
		poss: []posResp{{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 2, EntryPrice: 100}, ok: true}},
	}
	r := NewRouter(orders, accounts, nil, cfg, nil, nil)

	res := r.Close(context.Background(), CloseRequest{Symbol: "BTCUSDT", Fraction: 1, Price: 100})
	if res.Status != StatusPending {
		t.Fatalf("status = %s, err = %v, want pending", res.Status, res.Err)
	}
	if res.Err != nil {
		t.Fatalf("pending result must carry no error, got %v", res.Err)
	}
	last := res.Path[len(res.Path)-1]
	if last.Tag != "close-gtc" || last.OrderID != "g2" {
		t.Fatalf("last step = %+v, want resting close-gtc g2", last)
	}
	if !orders.placed[2].ReduceOnly {
		t.Fatalf("resting close must be reduce-only: %+v", orders.placed[2])
	}
}

func TestOpenRestingOrderFillsWithinPollWindow(t *testing.T) {
	cfg := execCfg()
	cfg.OpenRetries = 1
	cfg.OpenGTCFallback = true
	cfg.FillPollInterval = time.Millisecond
	orders := &mockOrders{
		responses: []orderResp{
			{err: venue.ErrNoLiquidity},
			{err: venue.ErrNoLiquidity},
			{ack: venue.OrderAck{OrderID: "g1", Status: venue.StatusNew, ExecutedQty: 0}},
		},
		statusAcks: []venue.OrderAck{
			{OrderID: "g1", Status: venue.StatusPartiallyFilled, ExecutedQty: 20, AvgPrice: 100},
			{OrderID: "g1", Status: venue.StatusFilled, ExecutedQty: 50, AvgPrice: 100},
		},
	}
	accounts := &mockAccounts{
		acct: venue.AccountState{Available: 10000},
		poss: []posResp{{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 50, EntryPrice: 100}, ok: true}},
	}
	r := NewRouter(orders, accounts, nil, cfg, nil, nil)

	res := r.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.1, Leverage: 5, Price: 100})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %v, want success", res.Status, res.Err)
	}
	if res.FilledQty != 50 {
		t.Fatalf("filled = %f, want 50", res.FilledQty)
	}
	if !res.ProtectionComplete {
		t.Fatalf("protection must follow a polled fill: %+v", res)
	}
}

func TestOpenDerivesClientIDsFromIntent(t *testing.T) {
	orders := &mockOrders{}
	accounts := &mockAccounts{
		acct: venue.AccountState{Available: 10000},
		poss: []posResp{{pos: venue.Position{Symbol: "BTCUSDT", Side: venue.SideLong, Quantity: 50, EntryPrice: 100}, ok: true}},
	}
	r := NewRouter(orders, accounts, nil, execCfg(), nil, nil)

	res := r.Open(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Side: venue.SideLong, Fraction: 0.1, Leverage: 5, Price: 100,
		Intent: "c7-BTCUSDT-open",
	})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if got := orders.placed[0].ClientOrderID; got != "fb-c7-BTCUSDT-open-limit-ioc" {
		t.Fatalf("client id = %q, want deterministic intent id", got)
	}
}

func TestPlaceReadsPersistedAck(t *testing.T) {
	store := newMemStore()
	ack := venue.OrderAck{OrderID: "persisted", Status: venue.StatusFilled, ExecutedQty: 1, AvgPrice: 100}
	payload, err := json.Marshal(ack)
	if err != nil {
		t.Fatal(err)
	}
	store.m["order:cloid:fb-c3-BTCUSDT-open-limit-ioc"] = string(payload)

	orders := &mockOrders{}
	r := NewRouter(orders, &mockAccounts{}, store, execCfg(), nil, nil)

	got, err := r.place(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: venue.OrderLimit, Quantity: 1, Price: 100,
		ClientOrderID: "fb-c3-BTCUSDT-open-limit-ioc",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if got.OrderID != "persisted" {
		t.Fatalf("ack = %+v, want the persisted ack", got)
	}
	if len(orders.placed) != 0 {
		t.Fatalf("venue hit %d times, want 0", len(orders.placed))
	}
}
