package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"flowbot/internal/config"
	"flowbot/internal/metrics"
	"flowbot/internal/state"
	"flowbot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Router places orders through bounded retry and fallback chains and owns
// protective-order placement. All venue calls are synchronous; every public
// method returns a terminal Result within one call.
type Router struct {
	orders   venue.OrderVenue
	accounts venue.AccountProvider
	store    state.Store
	cfg      config.ExecutionConfig
	metrics  *metrics.Metrics
	log      *zap.Logger

	newID func() string

	mu    sync.Mutex
	cache map[string]venue.OrderAck
}

func NewRouter(orders venue.OrderVenue, accounts venue.AccountProvider, store state.Store, cfg config.ExecutionConfig, m *metrics.Metrics, log *zap.Logger) *Router {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Router{
		orders:   orders,
		accounts: accounts,
		store:    store,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		newID:    func() string { return "fb-" + uuid.NewString() },
		cache:    make(map[string]venue.OrderAck),
	}
}

// clientID derives the deterministic client order id for one attempt of
// a named intent. Requests without an intent get a random id.
func (r *Router) clientID(intent, tag string) string {
	if intent == "" {
		return r.newID()
	}
	return "fb-" + intent + "-" + tag
}

// place submits one order with an idempotent client order ID. A repeated
// submission with the same ID returns the cached ack instead of hitting the
// venue again; the cache is persisted so a restart mid-chain cannot double
// an order.
func (r *Router) place(ctx context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = r.newID()
	}
	cacheKey := "order:cloid:" + req.ClientOrderID
	r.mu.Lock()
	if ack, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		return ack, nil
	}
	r.mu.Unlock()
	if ack, ok := r.loadAck(ctx, cacheKey); ok {
		return ack, nil
	}

	ack, err := r.orders.PlaceOrder(ctx, req)
	if err != nil {
		r.metrics.OrdersFailed.Inc()
		return venue.OrderAck{}, err
	}
	r.metrics.OrdersPlaced.Inc()
	r.mu.Lock()
	r.cache[cacheKey] = ack
	r.mu.Unlock()
	if r.store != nil {
		payload, merr := json.Marshal(ack)
		if merr == nil {
			if serr := r.store.Set(ctx, cacheKey, string(payload)); serr != nil && r.log != nil {
				r.log.Warn("failed to persist order ack", zap.Error(serr))
			}
		}
	}
	return ack, nil
}

func (r *Router) loadAck(ctx context.Context, cacheKey string) (venue.OrderAck, bool) {
	if r.store == nil {
		return venue.OrderAck{}, false
	}
	raw, ok, err := r.store.Get(ctx, cacheKey)
	if err != nil || !ok {
		return venue.OrderAck{}, false
	}
	var ack venue.OrderAck
	if err := json.Unmarshal([]byte(raw), &ack); err != nil {
		return venue.OrderAck{}, false
	}
	r.mu.Lock()
	r.cache[cacheKey] = ack
	r.mu.Unlock()
	return ack, true
}

// fillPollAttempts bounds how long a resting fallback is given to fill
// inside the placing cycle before it is reported as pending.
const fillPollAttempts = 3

// awaitFill polls a resting order briefly so a fast fill completes within
// the same cycle instead of waiting for the next one.
func (r *Router) awaitFill(ctx context.Context, symbol, orderID string) (venue.OrderAck, bool) {
	if r.cfg.FillPollInterval <= 0 {
		return venue.OrderAck{}, false
	}
	for i := 0; i < fillPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return venue.OrderAck{}, false
		case <-time.After(r.cfg.FillPollInterval):
		}
		ack, err := r.orders.OrderStatus(ctx, symbol, orderID)
		if err != nil {
			return venue.OrderAck{}, false
		}
		if ack.Status == venue.StatusFilled {
			return ack, true
		}
	}
	return venue.OrderAck{}, false
}

func orderSide(side venue.Side, closing bool) string {
	long := side == venue.SideLong
	if closing {
		long = !long
	}
	if long {
		return "BUY"
	}
	return "SELL"
}

// slide walks a limit price i basis-point steps in the aggressive
// direction for the given order side.
func slide(price, stepBps float64, i int, buy bool) float64 {
	adj := price * (stepBps / 10000) * float64(i)
	if buy {
		return price + adj
	}
	return price - adj
}

func (r *Router) livePosition(ctx context.Context, symbol string) (venue.Position, bool, error) {
	pos, ok, err := r.accounts.Position(ctx, symbol)
	if err != nil {
		return venue.Position{}, false, fmt.Errorf("live position fetch: %w", err)
	}
	return pos, ok, err
}
