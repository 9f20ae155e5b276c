package exec

import (
	"context"
	"errors"
	"fmt"
	"math"

	"flowbot/internal/venue"

	"go.uber.org/zap"
)

// OpenRequest asks for a new or additional position. Price is the
// aggressive reference quote; Fraction is of available balance.
type OpenRequest struct {
	Symbol   string
	Side     venue.Side
	Fraction float64
	Leverage float64
	Price    float64
	// Intent names the decision that produced this request. Attempts
	// derive deterministic client order ids from it so a replayed
	// submission hits the ack cache instead of the venue.
	Intent string
}

// Open drives the entry chain: leverage sync, sizing, IOC with bounded
// price slides on liquidity failures, optional GTC and market fallbacks,
// then TP/SL placement sized to the live position. The result states
// explicitly whether protection is complete and whether a rollback ran.
func (r *Router) Open(ctx context.Context, req OpenRequest) Result {
	res := Result{Status: StatusError}
	if req.Price <= 0 || req.Fraction <= 0 {
		res.Err = fmt.Errorf("invalid open request for %s: price=%f fraction=%f", req.Symbol, req.Price, req.Fraction)
		return res
	}

	if err := r.orders.SetLeverage(ctx, req.Symbol, int(req.Leverage)); err != nil {
		if r.cfg.StrictLeverageSync {
			res.step("leverage-sync", "", 0, err)
			res.Err = fmt.Errorf("leverage sync failed closed: %w", err)
			return res
		}
		if r.log != nil {
			r.log.Warn("leverage sync failed, continuing", zap.String("symbol", req.Symbol), zap.Error(err))
		}
	}

	acct, err := r.accounts.Account(ctx)
	if err != nil {
		res.Err = fmt.Errorf("account fetch: %w", err)
		return res
	}
	qty := acct.Available * req.Fraction * req.Leverage / req.Price
	if qty*req.Price < r.cfg.MinNotionalUSD {
		qty = r.cfg.MinNotionalUSD / req.Price
	}
	if qty <= 0 {
		res.Err = fmt.Errorf("computed zero quantity for %s", req.Symbol)
		return res
	}

	filled, avg := r.runOpenChain(ctx, req, qty, &res)
	if filled <= 0 {
		if res.Status == StatusPending {
			// The resting fallback is live on the book with nothing
			// executed yet. There is no position to protect.
			res.RemainingQty = qty
			return res
		}
		res.Status = StatusError
		if res.Err == nil {
			res.Err = fmt.Errorf("%w: %s", ErrLiquidityInsufficient, req.Symbol)
		}
		r.metrics.ExecError.Inc()
		return res
	}
	res.FilledQty = filled
	res.AvgPrice = avg
	res.RemainingQty = qty - filled

	// Protection is sized to the authoritative live position, not the
	// local fill tally.
	pos, ok, err := r.livePosition(ctx, req.Symbol)
	if err != nil || !ok {
		pos = venue.Position{Symbol: req.Symbol, Side: req.Side, Quantity: filled, EntryPrice: avg}
	}
	tpID, slID, perr := r.PlaceProtection(ctx, pos)
	res.TPOrderID = tpID
	res.SLOrderID = slID
	res.ProtectionComplete = perr == nil
	if perr != nil {
		return r.handleProtectionFailure(ctx, req.Symbol, perr, res)
	}

	if res.RemainingQty > 1e-12 && res.Status != StatusPending {
		res.Status = StatusPartial
		r.metrics.ExecPartial.Inc()
		return res
	}
	if res.Status != StatusPending {
		res.Status = StatusSuccess
		r.metrics.ExecSuccess.Inc()
	}
	return res
}

// runOpenChain walks the tagged attempt list until the quantity is filled
// or the chain is exhausted. Only liquidity failures advance the chain;
// any other venue error aborts it.
func (r *Router) runOpenChain(ctx context.Context, req OpenRequest, qty float64, res *Result) (float64, float64) {
	type attempt struct {
		tag     string
		order   venue.OrderRequest
		resting bool
	}
	buy := req.Side == venue.SideLong
	side := orderSide(req.Side, false)

	chain := make([]attempt, 0, r.cfg.OpenRetries+3)
	chain = append(chain, attempt{
		tag: "limit-ioc",
		order: venue.OrderRequest{
			Symbol: req.Symbol, Side: side, Type: venue.OrderLimit,
			TimeInForce: venue.TifIOC, Quantity: qty, Price: req.Price,
		},
	})
	for i := 1; i <= r.cfg.OpenRetries; i++ {
		chain = append(chain, attempt{
			tag: fmt.Sprintf("limit-ioc-slip-%d", i),
			order: venue.OrderRequest{
				Symbol: req.Symbol, Side: side, Type: venue.OrderLimit,
				TimeInForce: venue.TifIOC, Quantity: qty, Price: slide(req.Price, r.cfg.OpenStepBps, i, buy),
			},
		})
	}
	if r.cfg.OpenGTCFallback {
		chain = append(chain, attempt{
			tag:     "gtc-fallback",
			resting: true,
			order: venue.OrderRequest{
				Symbol: req.Symbol, Side: side, Type: venue.OrderLimit,
				TimeInForce: venue.TifGTC, Quantity: qty, Price: req.Price,
			},
		})
	}
	if r.cfg.OpenMarketFallback {
		chain = append(chain, attempt{
			tag: "market-fallback",
			order: venue.OrderRequest{
				Symbol: req.Symbol, Side: side, Type: venue.OrderMarket, Quantity: qty,
			},
		})
	}

	var filled, notional float64
	for _, at := range chain {
		remaining := qty - filled
		if remaining <= 1e-12 {
			break
		}
		at.order.Quantity = remaining
		at.order.ClientOrderID = r.clientID(req.Intent, at.tag)
		ack, err := r.place(ctx, at.order)
		if err != nil {
			res.step(at.tag, "", 0, err)
			if errors.Is(err, venue.ErrNoLiquidity) {
				continue
			}
			res.Err = err
			break
		}
		res.step(at.tag, ack.OrderID, ack.ExecutedQty, nil)
		if ack.ExecutedQty > 0 {
			filled += ack.ExecutedQty
			notional += ack.ExecutedQty * ack.AvgPrice
		}
		if at.resting && ack.ExecutedQty < remaining {
			if fin, done := r.awaitFill(ctx, req.Symbol, ack.OrderID); done {
				if add := fin.ExecutedQty - ack.ExecutedQty; add > 0 {
					filled += add
					notional += add * fin.AvgPrice
				}
				continue
			}
			// The resting order stays on the book; the cycle re-evaluates
			// it next time around.
			res.Status = StatusPending
			break
		}
	}
	if filled <= 0 {
		return 0, 0
	}
	return filled, notional / filled
}

// PlaceProtection places TP and SL sized to the live position. Both must
// land for protection to be complete.
func (r *Router) PlaceProtection(ctx context.Context, pos venue.Position) (string, string, error) {
	if pos.Quantity <= 0 || pos.EntryPrice <= 0 {
		return "", "", fmt.Errorf("%w: no position to protect for %s", ErrProtectionIncomplete, pos.Symbol)
	}
	long := pos.Side == venue.SideLong
	tpPct := r.cfg.TakeProfitPct / 100
	slPct := r.cfg.StopLossPct / 100
	var tpStop, slStop float64
	if long {
		tpStop = pos.EntryPrice * (1 + tpPct)
		slStop = pos.EntryPrice * (1 - slPct)
	} else {
		tpStop = pos.EntryPrice * (1 - tpPct)
		slStop = pos.EntryPrice * (1 + slPct)
	}
	closeSide := orderSide(pos.Side, true)

	tpAck, tpErr := r.place(ctx, venue.OrderRequest{
		Symbol: pos.Symbol, Side: closeSide, Type: venue.OrderTakeProfitMkt,
		StopPrice: roundPrice(tpStop), Quantity: pos.Quantity, ClosePosition: true,
	})
	slAck, slErr := r.place(ctx, venue.OrderRequest{
		Symbol: pos.Symbol, Side: closeSide, Type: venue.OrderStopMarket,
		StopPrice: roundPrice(slStop), Quantity: pos.Quantity, ClosePosition: true,
	})
	switch {
	case tpErr != nil && slErr != nil:
		return "", "", fmt.Errorf("%w: tp: %v; sl: %v", ErrProtectionIncomplete, tpErr, slErr)
	case tpErr != nil:
		return "", slAck.OrderID, fmt.Errorf("%w: tp: %v", ErrProtectionIncomplete, tpErr)
	case slErr != nil:
		return tpAck.OrderID, "", fmt.Errorf("%w: sl: %v", ErrProtectionIncomplete, slErr)
	}
	return tpAck.OrderID, slAck.OrderID, nil
}

// handleProtectionFailure applies the configured compensation: rollback
// flattens the naked position, otherwise it is reported as standing risk.
// Either way the caller gets an explicit statement of the outcome.
func (r *Router) handleProtectionFailure(ctx context.Context, symbol string, perr error, res Result) Result {
	if r.log != nil {
		r.log.Error("protection incomplete", zap.String("symbol", symbol), zap.Error(perr))
	}
	if !r.cfg.RollbackEnabled() {
		res.Status = StatusError
		res.Err = fmt.Errorf("standing risk: %w", perr)
		return res
	}
	flatten := r.ForceFlatten(ctx, symbol)
	res.Path = append(res.Path, flatten.Path...)
	res.RolledBack = flatten.Status == StatusSuccess || flatten.Status == StatusNoop
	res.Status = StatusError
	if res.RolledBack {
		res.Err = fmt.Errorf("rolled back: %w", perr)
	} else {
		res.Err = fmt.Errorf("rollback failed, position still standing: %w", perr)
	}
	r.metrics.ExecError.Inc()
	return res
}

// ForceFlatten closes whatever live position exists with a reduce-only
// market order and clears resting orders. Used for rollback and SLA
// enforcement.
func (r *Router) ForceFlatten(ctx context.Context, symbol string) Result {
	res := Result{Status: StatusError}
	pos, ok, err := r.livePosition(ctx, symbol)
	if err != nil {
		res.Err = err
		return res
	}
	if !ok || pos.Quantity <= 0 {
		if err := r.orders.CancelAllOrders(ctx, symbol); err != nil {
			res.step("flatten-cancel-all", "", 0, err)
		}
		res.Status = StatusNoop
		return res
	}
	ack, err := r.place(ctx, venue.OrderRequest{
		Symbol: symbol, Side: orderSide(pos.Side, true), Type: venue.OrderMarket,
		Quantity: pos.Quantity, ReduceOnly: true,
	})
	if err != nil {
		res.step("rollback-flatten", "", 0, err)
		res.Err = fmt.Errorf("force flatten failed for %s: %w", symbol, err)
		return res
	}
	res.step("rollback-flatten", ack.OrderID, ack.ExecutedQty, nil)
	if err := r.orders.CancelAllOrders(ctx, symbol); err != nil && r.log != nil {
		r.log.Warn("cancel-all after flatten failed", zap.String("symbol", symbol), zap.Error(err))
	}
	res.Status = StatusSuccess
	res.FilledQty = ack.ExecutedQty
	res.AvgPrice = ack.AvgPrice
	r.metrics.ForcedFlattens.Inc()
	return res
}

func roundPrice(p float64) float64 {
	return math.Round(p*1e8) / 1e8
}
