package trigger

import (
	"context"
	"testing"
	"time"

	"flowbot/internal/config"
	"flowbot/internal/decision"
	"flowbot/internal/market"
	"flowbot/internal/venue"

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

func gateConfig(pools ...config.PoolConfig) config.TriggerConfig {
	return config.TriggerConfig{
		DedupWindow: 10 * time.Second,
		Pools:       pools,
	}
}

func flowSnapshot(imbalance float64) market.Snapshot {
	return market.Snapshot{
		Symbol: "BTCUSDT",
		Timeframes: map[string]market.TimeframeAggregate{
			"15m": {OK: true, Imbalance: imbalance, CVDRatio: 0.01},
		},
	}
}

func openRequest(id string) Request {
	return Request{
		Symbol:      "BTCUSDT",
		TriggerType: "fund_flow",
		TriggerID:   id,
		Action:      decision.ActionOpen,
		Side:        venue.SideLong,
		Scores:      decision.Scores{Long: 0.5, Short: 0.1},
		Snapshot:    flowSnapshot(0.3),
	}
}

func newTestGate(cfg config.TriggerConfig, at time.Time) *Gate {
	g := NewGate(cfg, zap.NewNop())
	g.now = func() time.Time { return at }
	return g
}

func TestGateDedupGuardsFirst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := newTestGate(gateConfig(), now)
	if res := g.Check(openRequest("t1")); !res.Pass {
		t.Fatalf("first request must pass, got %s", res.Reason)
	}
	res := g.Check(openRequest("t2"))
	if res.Pass || res.Reason != "dedup_window" {
		t.Fatalf("expected dedup_window, got pass=%t reason=%s", res.Pass, res.Reason)
	}
}

func TestGateCloseBypassesPools(t *testing.T) {
	pool := config.PoolConfig{
		ID:            "block-all",
		Enabled:       true,
		MinLongScore:  0.99,
		MinShortScore: 0.99,
		Logic:         "and",
	}
	now := time.Unix(1_700_000_000, 0)
	g := newTestGate(gateConfig(pool), now)
	req := openRequest("t1")
	req.Action = decision.ActionClose
	req.HasPosition = true
	res := g.Check(req)
	if !res.Pass || res.Reason != "close_bypass" {
		t.Fatalf("close must bypass pools, got pass=%t reason=%s", res.Pass, res.Reason)
	}
}

func TestGateScoreGate(t *testing.T) {
	pool := config.PoolConfig{ID: "p1", Enabled: true, MinLongScore: 0.6, Logic: "and"}
	now := time.Unix(1_700_000_000, 0)
	g := newTestGate(gateConfig(pool), now)
	res := g.Check(openRequest("t1")) // long score 0.5 < 0.6
	if res.Pass || res.Reason != "score_gate" {
		t.Fatalf("expected score_gate, got pass=%t reason=%s", res.Pass, res.Reason)
	}
}

func TestGateRuleLogic(t *testing.T) {
	rules := []config.RuleConfig{
		{Metric: "imbalance", Operator: "gte", Threshold: 0.2, Timeframe: "15m", Side: "long"},
		{Metric: "cvd", Operator: "gte", Threshold: 0.5, Timeframe: "15m", Side: "long"},
	}
	now := time.Unix(1_700_000_000, 0)

	andPool := config.PoolConfig{ID: "and-pool", Enabled: true, Logic: "and", Rules: rules}
	g := newTestGate(gateConfig(andPool), now)
	res := g.Check(openRequest("t1")) // cvd 0.01 < 0.5 fails AND
	if res.Pass || res.Reason != "rule_fail" {
		t.Fatalf("expected rule_fail under AND, got pass=%t reason=%s", res.Pass, res.Reason)
	}

	orPool := config.PoolConfig{ID: "or-pool", Enabled: true, Logic: "or", Rules: rules}
	g = newTestGate(gateConfig(orPool), now)
	if res := g.Check(openRequest("t1")); !res.Pass {
		t.Fatalf("expected pass under OR, got %s", res.Reason)
	}

	countPool := config.PoolConfig{ID: "count-pool", Enabled: true, MinPassCount: 1, Rules: rules}
	g = newTestGate(gateConfig(countPool), now)
	if res := g.Check(openRequest("t1")); !res.Pass {
		t.Fatalf("expected pass with min_pass_count=1, got %s", res.Reason)
	}
}

func TestGateMissingMetricFailsClosed(t *testing.T) {
	pool := config.PoolConfig{
		ID:      "p1",
		Enabled: true,
		Logic:   "and",
		Rules: []config.RuleConfig{
			{Metric: "imbalance", Operator: "gte", Threshold: 0.2, Timeframe: "1h"},
		},
	}
	now := time.Unix(1_700_000_000, 0)
	g := newTestGate(gateConfig(pool), now)
	res := g.Check(openRequest("t1")) // no 1h timeframe in snapshot
	if res.Pass || res.Reason != "rule_fail" {
		t.Fatalf("missing metric must fail closed, got pass=%t reason=%s", res.Pass, res.Reason)
	}
}

func TestGateEdgeSuppression(t *testing.T) {
	pool := config.PoolConfig{
		ID:           "edge-pool",
		Enabled:      true,
		Logic:        "and",
		EdgeTrigger:  true,
		EdgeCooldown: time.Minute,
		Rules: []config.RuleConfig{
			{Metric: "imbalance", Operator: "gte", Threshold: 0.2, Timeframe: "15m"},
		},
	}
	base := time.Unix(1_700_000_000, 0)
	g := NewGate(gateConfig(pool), zap.NewNop())
	current := base
	g.now = func() time.Time { return current }

	if res := g.Check(openRequest("t1")); !res.Pass || res.Reason != "initial_true" {
		t.Fatalf("expected initial_true fire, got pass=%t reason=%s", res.Pass, res.Reason)
	}
	current = base.Add(11 * time.Second) // clears dedup, still steady true
	res := g.Check(openRequest("t2"))
	if res.Pass || res.Reason != "edge_suppressed" {
		t.Fatalf("expected edge_suppressed, got pass=%t reason=%s", res.Pass, res.Reason)
	}
}

func TestGatePositionExistsSkipsPool(t *testing.T) {
	pool := config.PoolConfig{ID: "p1", Enabled: true, MinLongScore: 0.99, Logic: "and"}
	now := time.Unix(1_700_000_000, 0)
	g := newTestGate(gateConfig(pool), now)
	req := openRequest("t1")
	req.HasPosition = true
	if res := g.Check(req); !res.Pass {
		t.Fatalf("pool without apply_when_position_exists must not gate held positions, got %s", res.Reason)
	}
}

func TestGateSymbolScope(t *testing.T) {
	pool := config.PoolConfig{
		ID:           "eth-only",
		Enabled:      true,
		Symbols:      []string{"ETHUSDT"},
		MinLongScore: 0.99,
		Logic:        "and",
	}
	now := time.Unix(1_700_000_000, 0)
	g := newTestGate(gateConfig(pool), now)
	if res := g.Check(openRequest("t1")); !res.Pass {
		t.Fatalf("out-of-scope pool must not gate, got %s", res.Reason)
	}
}
