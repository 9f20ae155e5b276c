package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowbot/internal/config"
	"flowbot/internal/state"

	"go.uber.org/zap"
)

const guardSnapshotKey = "risk:account_guard"

const (
	BreakerDailyLoss  = "daily_loss"
	BreakerLossStreak = "consecutive_losses"
)

// GuardState is the persisted account circuit breaker state. Each breaker
// keeps its own cooldown clock.
type GuardState struct {
	DateLabel         string               `msgpack:"date_label"`
	DayOpenEquity     float64              `msgpack:"day_open_equity"`
	ConsecutiveLosses int                  `msgpack:"consecutive_losses"`
	Cooldowns         map[string]time.Time `msgpack:"cooldowns"`
}

// Guard is the account-level circuit breaker. It is refreshed once per
// cycle before any symbol is processed and blocks entries, never closes.
type Guard struct {
	cfg config.RiskConfig
	log *zap.Logger
	loc *time.Location
	now func() time.Time

	mu sync.Mutex
	st GuardState
}

func NewGuard(cfg config.RiskConfig, log *zap.Logger) (*Guard, error) {
	loc, err := time.LoadLocation(cfg.DailyResetTimezone)
	if err != nil {
		return nil, fmt.Errorf("risk guard timezone: %w", err)
	}
	return &Guard{
		cfg: cfg,
		log: log,
		loc: loc,
		now: time.Now,
		st:  GuardState{Cooldowns: make(map[string]time.Time)},
	}, nil
}

// Refresh rolls the daily window and evaluates the daily loss breaker
// against current equity. Returns the daily loss fraction.
func (g *Guard) Refresh(equity float64) float64 {
	now := g.now()
	label := now.In(g.loc).Format("2006-01-02")

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.st.DateLabel != label {
		g.st.DateLabel = label
		g.st.DayOpenEquity = equity
		if g.log != nil {
			g.log.Info("daily risk window reset",
				zap.String("date", label),
				zap.Float64("day_open_equity", equity),
			)
		}
	}
	if g.st.DayOpenEquity <= 0 {
		return 0
	}
	loss := (g.st.DayOpenEquity - equity) / g.st.DayOpenEquity
	if loss < 0 {
		loss = 0
	}
	if loss >= g.cfg.MaxDailyLossPct && !g.cooldownActiveLocked(BreakerDailyLoss, now) {
		g.armLocked(BreakerDailyLoss, now.Add(g.cfg.DailyLossCooldown))
	}
	return loss
}

// RecordTradeResult feeds one realized close PnL into the streak breaker.
// A winning close resets the streak.
func (g *Guard) RecordTradeResult(pnl float64) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if pnl >= 0 {
		g.st.ConsecutiveLosses = 0
		return
	}
	g.st.ConsecutiveLosses++
	if g.st.ConsecutiveLosses >= g.cfg.MaxConsecutiveLoss && !g.cooldownActiveLocked(BreakerLossStreak, now) {
		g.armLocked(BreakerLossStreak, now.Add(g.cfg.LossStreakCooldown))
	}
}

// CheckEntry rejects OPEN/ADD while any breaker cooldown is active.
func (g *Guard) CheckEntry() error {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for breaker, until := range g.st.Cooldowns {
		if now.Before(until) {
			return fmt.Errorf("%w: %s cooldown until %s", ErrAccountCircuitOpen, breaker, until.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// ConsecutiveLosses reports the current streak length.
func (g *Guard) ConsecutiveLosses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.ConsecutiveLosses
}

func (g *Guard) cooldownActiveLocked(breaker string, now time.Time) bool {
	until, ok := g.st.Cooldowns[breaker]
	return ok && now.Before(until)
}

func (g *Guard) armLocked(breaker string, until time.Time) {
	g.st.Cooldowns[breaker] = until
	if g.log != nil {
		g.log.Warn("account circuit breaker armed",
			zap.String("breaker", breaker),
			zap.Time("until", until),
		)
	}
}

// Load restores persisted guard state.
func (g *Guard) Load(ctx context.Context, store state.Store) error {
	var st GuardState
	ok, err := state.LoadSnapshot(ctx, store, guardSnapshotKey, &st)
	if err != nil || !ok {
		return err
	}
	if st.Cooldowns == nil {
		st.Cooldowns = make(map[string]time.Time)
	}
	g.mu.Lock()
	g.st = st
	g.mu.Unlock()
	return nil
}

// Save persists the guard state.
func (g *Guard) Save(ctx context.Context, store state.Store) error {
	g.mu.Lock()
	st := GuardState{
		DateLabel:         g.st.DateLabel,
		DayOpenEquity:     g.st.DayOpenEquity,
		ConsecutiveLosses: g.st.ConsecutiveLosses,
		Cooldowns:         make(map[string]time.Time, len(g.st.Cooldowns)),
	}
	for breaker, until := range g.st.Cooldowns {
		st.Cooldowns[breaker] = until
	}
	g.mu.Unlock()
	return state.SaveSnapshot(ctx, store, guardSnapshotKey, st)
}
