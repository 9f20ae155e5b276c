package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flowbot/internal/alerts"
	"flowbot/internal/config"
	"flowbot/internal/decision"
	"flowbot/internal/exec"
	"flowbot/internal/market"
	"flowbot/internal/metrics"
	"flowbot/internal/position"
	"flowbot/internal/risk"
	"flowbot/internal/state"
	"flowbot/internal/state/sqlite"
	"flowbot/internal/telemetry"
	"flowbot/internal/trigger"
	"flowbot/internal/venue"
	"flowbot/internal/venue/binance"
	"flowbot/internal/venue/ws"

	"go.uber.org/zap"
)

// orderRouter is the execution surface the cycle needs.
type orderRouter interface {
	Open(ctx context.Context, req exec.OpenRequest) exec.Result
	Close(ctx context.Context, req exec.CloseRequest) exec.Result
	PlaceProtection(ctx context.Context, pos venue.Position) (string, string, error)
	ForceFlatten(ctx context.Context, symbol string) exec.Result
}

// markSource serves the trusted streamed mark price. Falls back to the
// polled sample when the stream has not delivered one yet.
type markSource interface {
	Mark(symbol string) (ws.Mark, bool)
}

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	data       venue.MarketDataProvider
	accounts   venue.AccountProvider
	orders     venue.OrderVenue
	marks      markSource
	agg        *market.Aggregator
	engine     *decision.Engine
	gate       *trigger.Gate
	guard      *risk.Guard
	router     orderRouter
	lifecycle  *position.Lifecycle
	supervisor *position.Supervisor
	dca        *position.Planner
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	alerts     *alerts.Telegram
	limited    *alerts.Limited
	telemetry  *telemetry.Writer

	markStream *ws.MarkPriceStream

	cycleMu sync.Mutex
	cycleN  int

	opsMu          sync.RWMutex
	paused         bool
	riskOverride   *config.RiskConfig
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("BINANCE_API_KEY is required")
	}
	apiSecret := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET"))
	if apiSecret == "" {
		return nil, errors.New("BINANCE_API_SECRET is required")
	}
	client := binance.New(cfg.Venue.BaseURL, apiKey, apiSecret, cfg.Venue.RecvWindow, cfg.Venue.Timeout, log)

	agg, err := market.NewAggregator(cfg.Market, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	guard, err := risk.NewGuard(cfg.Risk, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	var m *metrics.Metrics
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	} else {
		m = metrics.NewNoop()
	}

	telegram := alerts.NewTelegram(cfg.Telegram, log)
	limited := alerts.NewLimited(telegram, cfg.Protection.AlertCooldown)

	router := exec.NewRouter(client, client, store, cfg.Execution, m, log)
	supervisor := position.NewSupervisor(cfg.Protection, router, limited, store, m, log)

	wsClient := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	markStream := ws.NewMarkPriceStream(wsClient, log)

	writer, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		data:       client,
		accounts:   client,
		orders:     client,
		marks:      markStream,
		agg:        agg,
		engine:     decision.NewEngine(cfg.Decision, cfg.Cycle.RegimeEveryN),
		gate:       trigger.NewGate(cfg.Trigger, log),
		guard:      guard,
		router:     router,
		lifecycle:  position.NewLifecycle(store),
		supervisor: supervisor,
		dca:        position.NewPlanner(cfg.DCA),
		metrics:    m,
		prom:       prom,
		alerts:     telegram,
		limited:    limited,
		telemetry:  writer,
		markStream: markStream,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()

	if err := a.loadState(ctx); err != nil {
		a.log.Warn("state restore failed", zap.Error(err))
	}
	a.telemetry.Start(ctx)
	a.startMetricsServer()
	if a.markStream != nil {
		if err := a.markStream.Start(ctx, a.cfg.Symbols); err != nil {
			a.log.Warn("mark price stream start failed", zap.Error(err))
		}
	}
	if err := a.reconcile(ctx); err != nil {
		return err
	}
	a.startOperator(ctx)

	ticker := time.NewTicker(a.cfg.Cycle.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.saveState(context.Background())
			return ctx.Err()
		case <-ticker.C:
			a.runCycle(ctx)
			a.saveState(ctx)
		}
	}
}

func (a *App) loadState(ctx context.Context) error {
	var errs []error
	errs = append(errs, a.guard.Load(ctx, a.store))
	errs = append(errs, a.gate.LoadState(ctx, a.store))
	errs = append(errs, a.agg.LoadBaselines(ctx, a.store))
	errs = append(errs, a.lifecycle.Load(ctx))
	errs = append(errs, a.supervisor.Load(ctx))
	return errors.Join(errs...)
}

func (a *App) saveState(ctx context.Context) {
	for name, save := range map[string]func(context.Context) error{
		"guard":      func(c context.Context) error { return a.guard.Save(c, a.store) },
		"gate":       func(c context.Context) error { return a.gate.SaveState(c, a.store) },
		"baselines":  func(c context.Context) error { return a.agg.SaveBaselines(c, a.store) },
		"lifecycle":  a.lifecycle.Save,
		"supervisor": a.supervisor.Save,
	} {
		if err := save(ctx); err != nil {
			a.log.Warn("state save failed", zap.String("component", name), zap.Error(err))
		}
	}
}

// reconcile aligns the stored lifecycle with the venue at startup. The
// venue is authoritative: stale stored positions are dropped, live
// positions adopt the stored state only when it is consistent.
func (a *App) reconcile(ctx context.Context) error {
	for _, symbol := range a.cfg.Symbols {
		pos, held, err := a.accounts.Position(ctx, symbol)
		if err != nil {
			return err
		}
		orders, err := a.accounts.OpenOrders(ctx, symbol)
		if err != nil {
			return err
		}
		stored := a.lifecycle.State(symbol)
		switch {
		case !held:
			if stored == position.StateOpening && hasEntryOrder(orders) {
				// The entry is still resting on the book.
				continue
			}
			if stored != position.StateFlat {
				a.log.Warn("stored position missing on venue, resetting",
					zap.String("symbol", symbol), zap.String("stored_state", string(stored)))
				a.lifecycle.ForceState(symbol, position.StateFlat)
			}
			a.sweepOrphans(ctx, symbol, orders)
		case position.Covered(orders):
			a.lifecycle.ForceState(symbol, position.StateOpenProtected)
		default:
			a.lifecycle.ForceState(symbol, position.StateOpenUnprotected)
			a.log.Warn("reconciled position lacks protection",
				zap.String("symbol", symbol), zap.Float64("quantity", pos.Quantity))
		}
	}
	a.log.Info("startup reconcile complete", zap.Strings("symbols", a.cfg.Symbols))
	return nil
}

// hasEntryOrder reports whether any resting order could still open or
// grow a position.
func hasEntryOrder(orders []venue.OpenOrder) bool {
	for _, o := range orders {
		if !o.Protective() && !o.ReduceOnly {
			return true
		}
	}
	return false
}

// sweepOrphans cancels leftover protective and reduce-only orders on a
// flat symbol. A resting entry order is still working and exempts the
// symbol from the sweep. The position is re-read just before cancelling:
// a fill between the two reads must not strip a fresh position of its
// protection.
func (a *App) sweepOrphans(ctx context.Context, symbol string, orders []venue.OpenOrder) {
	if len(orders) == 0 || hasEntryOrder(orders) {
		return
	}
	if _, held, err := a.accounts.Position(ctx, symbol); err != nil || held {
		return
	}
	if err := a.orders.CancelAllOrders(ctx, symbol); err != nil {
		a.log.Warn("orphan cancel failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	a.metrics.OrphansCancelled.Inc()
	a.log.Info("cancelled orphaned orders", zap.String("symbol", symbol), zap.Int("count", len(orders)))
}

func (a *App) startMetricsServer() {
	if a.prom == nil || !a.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) riskConfig() config.RiskConfig {
	a.opsMu.RLock()
	override := a.riskOverride
	a.opsMu.RUnlock()
	if override == nil {
		return a.cfg.Risk
	}
	return *override
}

func (a *App) riskOverrideActive() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.riskOverride != nil
}

func (a *App) riskOverrideSnapshot() *config.RiskConfig {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	if a.riskOverride == nil {
		return nil
	}
	copy := *a.riskOverride
	return &copy
}

func (a *App) setRiskOverride(cfg config.RiskConfig) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.riskOverride = &cfg
}

func (a *App) clearRiskOverride() {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.riskOverride = nil
}
