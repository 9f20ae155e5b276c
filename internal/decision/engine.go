package decision

import (
	"sync"

	"flowbot/internal/config"
	"flowbot/internal/market"
	"flowbot/internal/venue"
)

type Action string

const (
	ActionHold  Action = "HOLD"
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// Decision is the tagged outcome of one symbol evaluation. Only the fields
// relevant to the action are populated.
type Decision struct {
	Action Action
	Side   venue.Side
	Score  float64
	Scores Scores
	Regime Regime
	Reason string
}

type cachedRegime struct {
	regime Regime
	cycle  int
}

// Engine classifies regime on a coarser cadence than per-cycle scoring and
// maps scores to open/close decisions.
type Engine struct {
	cfg    config.DecisionConfig
	everyN int

	mu      sync.Mutex
	regimes map[string]cachedRegime
}

func NewEngine(cfg config.DecisionConfig, regimeEveryN int) *Engine {
	if regimeEveryN <= 0 {
		regimeEveryN = 1
	}
	return &Engine{
		cfg:     cfg,
		everyN:  regimeEveryN,
		regimes: make(map[string]cachedRegime),
	}
}

// RegimeFor returns the classification for symbol, recomputing it only
// every N cycles and serving the cached value in between.
func (e *Engine) RegimeFor(symbol string, cycle int, ind venue.Indicators) Regime {
	e.mu.Lock()
	defer e.mu.Unlock()
	cached, ok := e.regimes[symbol]
	if ok && cycle-cached.cycle < e.everyN {
		return cached.regime
	}
	prev := RegimeNoTrade
	if ok {
		prev = cached.regime
	}
	regime := ClassifyRegime(e.cfg, ind, prev)
	e.regimes[symbol] = cachedRegime{regime: regime, cycle: cycle}
	return regime
}

// Evaluate runs classification, scoring and decision mapping for one
// symbol. pos is nil when the symbol is flat.
func (e *Engine) Evaluate(symbol string, cycle int, ind venue.Indicators, snap market.Snapshot, pos *venue.Position) (Decision, error) {
	regime := e.RegimeFor(symbol, cycle, ind)
	if regime == RegimeNoTrade {
		return Decision{Action: ActionHold, Regime: regime, Reason: "no_trade_regime"}, nil
	}
	scores, err := Score(e.cfg, regime, snap)
	if err != nil {
		return Decision{Action: ActionHold, Regime: regime, Reason: "data_unavailable"}, err
	}
	return e.decide(regime, scores, pos), nil
}

func (e *Engine) decide(regime Regime, scores Scores, pos *venue.Position) Decision {
	if pos != nil {
		opposing := scores.Short
		if pos.Side == venue.SideShort {
			opposing = scores.Long
		}
		if opposing >= e.cfg.CloseThreshold {
			return Decision{
				Action: ActionClose,
				Side:   pos.Side,
				Score:  opposing,
				Scores: scores,
				Regime: regime,
				Reason: "opposing_score_close",
			}
		}
		return Decision{Action: ActionHold, Scores: scores, Regime: regime, Reason: "position_held"}
	}

	longOK := scores.Long >= e.cfg.OpenThresholdLong && scores.Long > scores.Short
	shortOK := scores.Short >= e.cfg.OpenThresholdShort && scores.Short > scores.Long
	// A trend regime locks entries to its direction.
	if regime == RegimeTrendLong {
		shortOK = false
	}
	if regime == RegimeTrendShort {
		longOK = false
	}
	switch {
	case longOK:
		return Decision{Action: ActionOpen, Side: venue.SideLong, Score: scores.Long, Scores: scores, Regime: regime, Reason: "open_threshold_met"}
	case shortOK:
		return Decision{Action: ActionOpen, Side: venue.SideShort, Score: scores.Short, Scores: scores, Regime: regime, Reason: "open_threshold_met"}
	}
	return Decision{Action: ActionHold, Scores: scores, Regime: regime, Reason: "below_open_threshold"}
}
