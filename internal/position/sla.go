package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowbot/internal/config"
	"flowbot/internal/exec"
	"flowbot/internal/metrics"
	"flowbot/internal/state"
	"flowbot/internal/venue"

	"go.uber.org/zap"
)

// Outcome of one protection supervision pass for a held position.
type Outcome string

const (
	OutcomeFlat        Outcome = "flat"
	OutcomeProtected   Outcome = "protected"
	OutcomeRepaired    Outcome = "repaired"
	OutcomeUnprotected Outcome = "unprotected"
	OutcomeFlattened   Outcome = "flattened"
)

// OrderGuard is the execution surface the supervisor needs: protective
// order placement and the emergency exit.
type OrderGuard interface {
	PlaceProtection(ctx context.Context, pos venue.Position) (string, string, error)
	ForceFlatten(ctx context.Context, symbol string) exec.Result
}

// Alerter delivers rate-limited operator notifications.
type Alerter interface {
	Send(ctx context.Context, key, message string) error
}

type protectionClock struct {
	FirstSeen    time.Time `msgpack:"first_seen"`
	MissingSince time.Time `msgpack:"missing_since"`
}

// Supervisor enforces the protection SLA: every held position must carry
// both a take-profit and a stop order. A gap is first repaired; a gap
// older than the SLA timeout is closed by force, configuration cannot
// disable that.
type Supervisor struct {
	cfg     config.ProtectionConfig
	guard   OrderGuard
	alerts  Alerter
	store   state.Store
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	clocks map[string]*protectionClock
}

const clocksKey = "position:protection_clocks"

func NewSupervisor(cfg config.ProtectionConfig, guard OrderGuard, alerter Alerter, store state.Store, m *metrics.Metrics, log *zap.Logger) *Supervisor {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Supervisor{
		cfg:     cfg,
		guard:   guard,
		alerts:  alerter,
		store:   store,
		metrics: m,
		log:     log,
		now:     time.Now,
		clocks:  make(map[string]*protectionClock),
	}
}

func (s *Supervisor) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clocks := make(map[string]*protectionClock)
	if _, err := state.LoadSnapshot(ctx, s.store, clocksKey, &clocks); err != nil {
		return err
	}
	if len(clocks) > 0 {
		s.clocks = clocks
	}
	return nil
}

func (s *Supervisor) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return state.SaveSnapshot(ctx, s.store, clocksKey, s.clocks)
}

// Covered reports whether the resting orders fully protect the position:
// one take-profit and one stop, both reducing exposure.
func Covered(orders []venue.OpenOrder) bool {
	var tp, sl bool
	for _, o := range orders {
		if !o.Protective() {
			continue
		}
		switch o.Type {
		case venue.OrderTakeProfitMkt:
			tp = true
		case venue.OrderStopMarket:
			sl = true
		}
	}
	return tp && sl
}

// Check runs one supervision pass for the symbol. The caller supplies the
// live position and its resting orders; the supervisor decides between
// leaving it alone, repairing the gap, and force flattening.
func (s *Supervisor) Check(ctx context.Context, pos venue.Position, orders []venue.OpenOrder) (Outcome, error) {
	now := s.now()
	if pos.Quantity <= 0 {
		s.clearClock(pos.Symbol)
		return OutcomeFlat, nil
	}
	if Covered(orders) {
		s.markCovered(pos.Symbol, now)
		return OutcomeProtected, nil
	}
	missingSince := s.markMissing(pos.Symbol, now)

	if now.Sub(missingSince) >= s.cfg.SLATimeout {
		s.alert(ctx, pos.Symbol, fmt.Sprintf("protection SLA breached on %s, force flattening", pos.Symbol))
		res := s.guard.ForceFlatten(ctx, pos.Symbol)
		if res.Status == exec.StatusError {
			return OutcomeUnprotected, fmt.Errorf("sla flatten failed for %s: %w", pos.Symbol, res.Err)
		}
		s.clearClock(pos.Symbol)
		return OutcomeFlattened, nil
	}

	if _, _, err := s.guard.PlaceProtection(ctx, pos); err != nil {
		s.alert(ctx, pos.Symbol, fmt.Sprintf("protection repair failed on %s: %v", pos.Symbol, err))
		if s.cfg.ImmediateCloseOnRepairFail {
			res := s.guard.ForceFlatten(ctx, pos.Symbol)
			if res.Status == exec.StatusError {
				return OutcomeUnprotected, fmt.Errorf("close after failed repair on %s: %w", pos.Symbol, res.Err)
			}
			s.clearClock(pos.Symbol)
			return OutcomeFlattened, nil
		}
		return OutcomeUnprotected, fmt.Errorf("protection repair on %s: %w", pos.Symbol, err)
	}
	s.metrics.ProtectionRepairs.Inc()
	s.markCovered(pos.Symbol, now)
	if s.log != nil {
		s.log.Info("protection gap repaired", zap.String("symbol", pos.Symbol))
	}
	return OutcomeRepaired, nil
}

func (s *Supervisor) alert(ctx context.Context, symbol, msg string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Send(ctx, "protection:"+symbol, msg); err != nil && s.log != nil {
		s.log.Warn("protection alert failed", zap.Error(err))
	}
}

func (s *Supervisor) markCovered(symbol string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clocks[symbol]
	if !ok {
		c = &protectionClock{FirstSeen: now}
		s.clocks[symbol] = c
	}
	c.MissingSince = time.Time{}
}

func (s *Supervisor) markMissing(symbol string, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clocks[symbol]
	if !ok {
		c = &protectionClock{FirstSeen: now}
		s.clocks[symbol] = c
	}
	if c.MissingSince.IsZero() {
		c.MissingSince = now
	}
	return c.MissingSince
}

func (s *Supervisor) clearClock(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clocks, symbol)
}
