package position

import (
	"flowbot/internal/config"
	"flowbot/internal/venue"
)

// Addition is one approved averaging-in step.
type Addition struct {
	Fraction  float64
	NextStage int
}

// Planner decides scale-in additions against a losing position. The stage
// index only moves forward; a drawdown that recovers and dips again never
// re-triggers an already consumed stage.
type Planner struct {
	cfg config.DCAConfig
}

func NewPlanner(cfg config.DCAConfig) *Planner {
	return &Planner{cfg: cfg}
}

// Next returns the addition for the current stage if the position's
// drawdown has crossed that stage's threshold. Stage caps and the
// max-additions limit are hard stops.
func (p *Planner) Next(pos venue.Position, mark float64, stage int) (Addition, bool) {
	if !p.cfg.Enabled || pos.Quantity <= 0 || pos.EntryPrice <= 0 || mark <= 0 {
		return Addition{}, false
	}
	if stage >= p.cfg.MaxAdditions || stage >= len(p.cfg.DrawdownThresholds) {
		return Addition{}, false
	}
	dd := drawdown(pos, mark)
	if dd < p.cfg.DrawdownThresholds[stage] {
		return Addition{}, false
	}
	mult := 1.0
	if stage < len(p.cfg.SizeMultipliers) {
		mult = p.cfg.SizeMultipliers[stage]
	}
	return Addition{
		Fraction:  p.cfg.BaseAddFraction * mult,
		NextStage: stage + 1,
	}, true
}

// drawdown is the adverse move fraction, positive when the position is
// under water.
func drawdown(pos venue.Position, mark float64) float64 {
	if pos.Side == venue.SideLong {
		return (pos.EntryPrice - mark) / pos.EntryPrice
	}
	return (mark - pos.EntryPrice) / pos.EntryPrice
}
