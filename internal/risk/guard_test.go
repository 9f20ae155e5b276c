package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowbot/internal/config"

	"go.uber.org/zap"
)

type mapStore struct {
	data map[string]string
}

func (m *mapStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStore) Set(_ context.Context, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *mapStore) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *mapStore) Close() error { return nil }

func guardConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLossPct:    0.05,
		DailyLossCooldown:  8 * time.Hour,
		MaxConsecutiveLoss: 3,
		LossStreakCooldown: 30 * time.Minute,
		DailyResetTimezone: "UTC",
	}
}

func newTestGuard(t *testing.T, at *time.Time) *Guard {
	t.Helper()
	g, err := NewGuard(guardConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	g.now = func() time.Time { return *at }
	return g
}

func TestDailyLossArmsCooldown(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g := newTestGuard(t, &now)

	g.Refresh(10000) // opens the day at 10k
	if err := g.CheckEntry(); err != nil {
		t.Fatalf("no breach yet: %v", err)
	}

	loss := g.Refresh(9400) // 6% down
	if loss < 0.05 {
		t.Fatalf("expected loss fraction >= 0.05, got %f", loss)
	}
	if err := g.CheckEntry(); !errors.Is(err, ErrAccountCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}

	// Entries stay blocked until the cooldown expires.
	now = now.Add(7 * time.Hour)
	if err := g.CheckEntry(); !errors.Is(err, ErrAccountCircuitOpen) {
		t.Fatalf("expected circuit still open, got %v", err)
	}
	now = now.Add(2 * time.Hour)
	if err := g.CheckEntry(); err != nil {
		t.Fatalf("expected circuit closed after cooldown, got %v", err)
	}
}

func TestDailyWindowResetsOnRollover(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	g := newTestGuard(t, &now)
	g.Refresh(10000)

	now = time.Date(2026, 3, 11, 0, 30, 0, 0, time.UTC)
	loss := g.Refresh(9400)
	if loss != 0 {
		t.Fatalf("new day must re-anchor equity, got loss %f", loss)
	}
}

func TestConsecutiveLossStreak(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g := newTestGuard(t, &now)

	g.RecordTradeResult(-10)
	g.RecordTradeResult(-5)
	if err := g.CheckEntry(); err != nil {
		t.Fatalf("two losses must not trip the breaker: %v", err)
	}
	g.RecordTradeResult(-1)
	if err := g.CheckEntry(); !errors.Is(err, ErrAccountCircuitOpen) {
		t.Fatalf("expected streak breaker open, got %v", err)
	}

	now = now.Add(31 * time.Minute)
	if err := g.CheckEntry(); err != nil {
		t.Fatalf("expected streak cooldown expired, got %v", err)
	}
}

func TestWinResetsStreak(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g := newTestGuard(t, &now)

	g.RecordTradeResult(-10)
	g.RecordTradeResult(-5)
	g.RecordTradeResult(20)
	if g.ConsecutiveLosses() != 0 {
		t.Fatalf("expected streak reset on win, got %d", g.ConsecutiveLosses())
	}
}

func TestIndependentCooldownClocks(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g := newTestGuard(t, &now)

	g.Refresh(10000)
	g.Refresh(9000) // daily breaker armed for 8h
	g.RecordTradeResult(-1)
	g.RecordTradeResult(-1)
	g.RecordTradeResult(-1) // streak breaker armed for 30m

	// After the streak cooldown the daily breaker still blocks.
	now = now.Add(time.Hour)
	if err := g.CheckEntry(); !errors.Is(err, ErrAccountCircuitOpen) {
		t.Fatalf("daily breaker must still be active, got %v", err)
	}
}

func TestGuardStatePersistence(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g := newTestGuard(t, &now)
	g.Refresh(10000)
	g.Refresh(9000)

	store := &mapStore{data: make(map[string]string)}
	if err := g.Save(context.Background(), store); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := newTestGuard(t, &now)
	if err := restored.Load(context.Background(), store); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := restored.CheckEntry(); !errors.Is(err, ErrAccountCircuitOpen) {
		t.Fatalf("expected restored cooldown to block entries, got %v", err)
	}
}
