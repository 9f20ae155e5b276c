package exec

import (
	"context"
	"errors"
	"fmt"

	"flowbot/internal/venue"

	"go.uber.org/zap"
)

// CloseRequest asks to reduce or flatten an existing position. Fraction
// in (0,1] is of the live quantity; Price is the aggressive reference.
type CloseRequest struct {
	Symbol   string
	Fraction float64
	Price    float64
	// Intent names the decision that produced this request, as on
	// OpenRequest.
	Intent string
}

// Close reduces the live position by the requested fraction. The live
// venue position is authoritative; a stale local view never produces an
// order. After a full close all resting orders on the symbol are
// cancelled so no orphaned TP/SL survives.
func (r *Router) Close(ctx context.Context, req CloseRequest) Result {
	res := Result{Status: StatusError}
	pos, ok, err := r.livePosition(ctx, req.Symbol)
	if err != nil {
		res.Err = err
		return res
	}
	if !ok || pos.Quantity <= 0 {
		res.Status = StatusNoop
		return res
	}
	if req.Fraction <= 0 || req.Fraction > 1 {
		req.Fraction = 1
	}
	qty := pos.Quantity * req.Fraction
	price := req.Price
	if price <= 0 {
		price = pos.EntryPrice
	}

	filled, avg := r.runCloseChain(ctx, req, pos.Side, qty, price, &res)
	if filled <= 0 {
		if res.Status == StatusPending {
			// The reduce-only GTC is resting; the position closes when
			// it fills.
			res.RemainingQty = qty
			return res
		}
		if rec, ok := r.reconcileReduceOnly(ctx, req.Symbol, &res); ok {
			return rec
		}
		res.Status = StatusError
		if res.Err == nil {
			res.Err = fmt.Errorf("%w: close %s", ErrLiquidityInsufficient, req.Symbol)
		}
		r.metrics.ExecError.Inc()
		return res
	}
	res.FilledQty = filled
	res.AvgPrice = avg
	res.RemainingQty = qty - filled

	if req.Fraction >= 1 && res.RemainingQty <= 1e-12 {
		if err := r.orders.CancelAllOrders(ctx, req.Symbol); err != nil && r.log != nil {
			r.log.Warn("cancel-all after close failed", zap.String("symbol", req.Symbol), zap.Error(err))
		}
	}
	if res.Status == StatusPending {
		return res
	}
	if res.RemainingQty > 1e-12 {
		res.Status = StatusPartial
		r.metrics.ExecPartial.Inc()
		return res
	}
	res.Status = StatusSuccess
	r.metrics.ExecSuccess.Inc()
	return res
}

// runCloseChain is the exit mirror of the entry chain: IOC attempts with
// progressively aggressive prices, then an optional resting GTC pinned
// inside the boundary band, then an optional reduce-only market order.
func (r *Router) runCloseChain(ctx context.Context, req CloseRequest, posSide venue.Side, qty, price float64, res *Result) (float64, float64) {
	symbol := req.Symbol
	side := orderSide(posSide, true)
	// Closing a long sells, so aggressive means walking the price down.
	buy := posSide == venue.SideShort

	type attempt struct {
		tag     string
		order   venue.OrderRequest
		resting bool
	}
	chain := make([]attempt, 0, r.cfg.CloseRetries+3)
	chain = append(chain, attempt{
		tag: "close-ioc",
		order: venue.OrderRequest{
			Symbol: symbol, Side: side, Type: venue.OrderLimit,
			TimeInForce: venue.TifIOC, Quantity: qty, Price: price, ReduceOnly: true,
		},
	})
	for i := 1; i <= r.cfg.CloseRetries; i++ {
		chain = append(chain, attempt{
			tag: fmt.Sprintf("close-ioc-slip-%d", i),
			order: venue.OrderRequest{
				Symbol: symbol, Side: side, Type: venue.OrderLimit,
				TimeInForce: venue.TifIOC, Quantity: qty, Price: slide(price, r.cfg.CloseStepBps, i, buy), ReduceOnly: true,
			},
		})
	}
	if r.cfg.CloseGTCFallback {
		boundary := price * (1 + r.cfg.GTCBoundaryPct/100)
		if !buy {
			boundary = price * (1 - r.cfg.GTCBoundaryPct/100)
		}
		chain = append(chain, attempt{
			tag:     "close-gtc",
			resting: true,
			order: venue.OrderRequest{
				Symbol: symbol, Side: side, Type: venue.OrderLimit,
				TimeInForce: venue.TifGTC, Quantity: qty, Price: roundPrice(boundary), ReduceOnly: true,
			},
		})
	}
	if r.cfg.CloseMktFallback {
		chain = append(chain, attempt{
			tag: "close-market",
			order: venue.OrderRequest{
				Symbol: symbol, Side: side, Type: venue.OrderMarket,
				Quantity: qty, ReduceOnly: true,
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
			if fin, done := r.awaitFill(ctx, symbol, ack.OrderID); done {
				if add := fin.ExecutedQty - ack.ExecutedQty; add > 0 {
					filled += add
					notional += add * fin.AvgPrice
				}
				continue
			}
			res.Status = StatusPending
			break
		}
	}
	if filled <= 0 {
		return 0, 0
	}
	return filled, notional / filled
}

// reconcileReduceOnly handles a reduce-only rejection by re-reading the
// live position. A rejection with no position left means the venue beat
// us to the close, which is a successful outcome, not an error.
func (r *Router) reconcileReduceOnly(ctx context.Context, symbol string, res *Result) (Result, bool) {
	if res.Err == nil || !errors.Is(res.Err, venue.ErrReduceOnlyReject) {
		return Result{}, false
	}
	pos, ok, err := r.livePosition(ctx, symbol)
	if err != nil {
		return Result{}, false
	}
	if !ok || pos.Quantity <= 0 {
		if cerr := r.orders.CancelAllOrders(ctx, symbol); cerr != nil && r.log != nil {
			r.log.Warn("cancel-all after reconcile failed", zap.String("symbol", symbol), zap.Error(cerr))
		}
		out := *res
		out.Status = StatusNoop
		out.Err = nil
		if r.log != nil {
			r.log.Info("reduce-only reject reconciled, position already flat", zap.String("symbol", symbol))
		}
		return out, true
	}
	return Result{}, false
}
