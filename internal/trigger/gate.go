package trigger

import (
	"context"
	"fmt"
	"time"

	"flowbot/internal/config"
	"flowbot/internal/decision"
	"flowbot/internal/market"
	"flowbot/internal/state"
	"flowbot/internal/venue"

	"go.uber.org/zap"
)

// Request is one proposed action arriving at the gate.
type Request struct {
	Symbol      string
	TriggerType string
	TriggerID   string
	Action      decision.Action
	Side        venue.Side
	Scores      decision.Scores
	Scheduled   bool
	HasPosition bool
	Snapshot    market.Snapshot
}

// Result carries the verdict plus a structured reason for observability.
type Result struct {
	Pass   bool
	Reason string
	Pool   string
}

// Gate runs the dedup guard and then the signal-pool guard. Closes bypass
// the pool guard: protective exits must never be filtered by entry rules.
type Gate struct {
	cfg   config.TriggerConfig
	dedup *Dedup
	edges *EdgeTracker
	log   *zap.Logger
	now   func() time.Time
}

func NewGate(cfg config.TriggerConfig, log *zap.Logger) *Gate {
	return &Gate{
		cfg:   cfg,
		dedup: NewDedup(cfg.DedupWindow),
		edges: NewEdgeTracker(),
		log:   log,
		now:   time.Now,
	}
}

func (g *Gate) Check(req Request) Result {
	now := g.now()
	if ok, reason := g.dedup.Check(req.Symbol, req.TriggerType, req.TriggerID, now); !ok {
		return Result{Reason: reason}
	}
	if req.Action == decision.ActionClose {
		return Result{Pass: true, Reason: "close_bypass"}
	}
	for i := range g.cfg.Pools {
		pool := &g.cfg.Pools[i]
		if !g.poolApplies(pool, req) {
			continue
		}
		if res := g.checkPool(pool, req, now); !res.Pass {
			return res
		}
	}
	return Result{Pass: true, Reason: "accepted"}
}

func (g *Gate) poolApplies(pool *config.PoolConfig, req Request) bool {
	if !pool.Enabled {
		return false
	}
	if req.Scheduled && pool.BypassScheduled {
		return false
	}
	if req.HasPosition && !pool.ApplyWhenPositionHeld {
		return false
	}
	if len(pool.Symbols) > 0 {
		found := false
		for _, s := range pool.Symbols {
			if s == req.Symbol {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (g *Gate) checkPool(pool *config.PoolConfig, req Request, now time.Time) Result {
	score := req.Scores.Long
	minScore := pool.MinLongScore
	if req.Side == venue.SideShort {
		score = req.Scores.Short
		minScore = pool.MinShortScore
	}
	if minScore > 0 && score < minScore {
		return Result{Reason: "score_gate", Pool: pool.ID}
	}

	pass := evalRules(pool, req)
	if pool.EdgeTrigger {
		key := fmt.Sprintf("%s:%s:%s", req.Symbol, pool.ID, req.Side)
		fired, edgeReason := g.edges.Observe(key, pass, pool.EdgeCooldown, now)
		if fired {
			return Result{Pass: true, Reason: edgeReason, Pool: pool.ID}
		}
		switch edgeReason {
		case "rising_edge_in_cooldown":
			return Result{Reason: "cooldown_active", Pool: pool.ID}
		case "steady_true":
			return Result{Reason: "edge_suppressed", Pool: pool.ID}
		default:
			return Result{Reason: "rule_fail", Pool: pool.ID}
		}
	}
	if !pass {
		return Result{Reason: "rule_fail", Pool: pool.ID}
	}
	return Result{Pass: true, Reason: "rules_passed", Pool: pool.ID}
}

func evalRules(pool *config.PoolConfig, req Request) bool {
	applicable := 0
	passed := 0
	for i := range pool.Rules {
		rule := &pool.Rules[i]
		if !ruleApplies(rule, req.Side) {
			continue
		}
		applicable++
		if evalRule(rule, req.Snapshot) {
			passed++
		}
	}
	if applicable == 0 {
		return true
	}
	if pool.MinPassCount > 0 {
		return passed >= pool.MinPassCount
	}
	if pool.Logic == "or" {
		return passed > 0
	}
	return passed == applicable
}

func ruleApplies(rule *config.RuleConfig, side venue.Side) bool {
	switch rule.Side {
	case "", "both":
		return true
	case "long":
		return side == venue.SideLong
	case "short":
		return side == venue.SideShort
	}
	return false
}

// A rule whose metric is missing fails closed.
func evalRule(rule *config.RuleConfig, snap market.Snapshot) bool {
	value, ok := snap.Metric(rule.Metric, rule.Timeframe)
	if !ok {
		return false
	}
	switch rule.Operator {
	case "gt":
		return value > rule.Threshold
	case "gte":
		return value >= rule.Threshold
	case "lt":
		return value < rule.Threshold
	case "lte":
		return value <= rule.Threshold
	case "abs_gte":
		if value < 0 {
			value = -value
		}
		return value >= rule.Threshold
	case "between":
		if rule.ThresholdMax == nil {
			return false
		}
		return value >= rule.Threshold && value <= *rule.ThresholdMax
	}
	return false
}

// LoadState restores persisted edge states.
func (g *Gate) LoadState(ctx context.Context, store state.Store) error {
	return g.edges.Load(ctx, store)
}

// SaveState persists edge states across restarts.
func (g *Gate) SaveState(ctx context.Context, store state.Store) error {
	return g.edges.Save(ctx, store)
}
