package decision

import (
	"errors"
	"fmt"

	"flowbot/internal/config"
	"flowbot/internal/market"
)

var ErrDataUnavailable = errors.New("required market metrics unavailable")

type Scores struct {
	Long  float64
	Short float64
}

// Score computes directional scores from the regime-selected weight table.
// When the configured timeframe is under-sampled it falls back to the next
// populated timeframe; with none populated it returns ErrDataUnavailable.
func Score(cfg config.DecisionConfig, regime Regime, snap market.Snapshot) (Scores, error) {
	tf, err := pickTimeframe(cfg, snap)
	if err != nil {
		return Scores{}, err
	}
	agg := snap.Timeframes[tf]
	switch regime {
	case RegimeTrendLong, RegimeTrendShort:
		return trendScores(cfg, agg), nil
	case RegimeRange:
		return rangeScores(cfg, agg), nil
	}
	return Scores{}, nil
}

func pickTimeframe(cfg config.DecisionConfig, snap market.Snapshot) (string, error) {
	if agg, ok := snap.Timeframes[cfg.ScoreTimeframe]; ok && agg.OK {
		return cfg.ScoreTimeframe, nil
	}
	for name, agg := range snap.Timeframes {
		if agg.OK {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDataUnavailable, snap.Symbol)
}

func trendScores(cfg config.DecisionConfig, agg market.TimeframeAggregate) Scores {
	w := cfg.TrendWeights
	depth := agg.DepthRatio - 1.0
	long := w["cvd"]*pos(agg.CVDRatio) +
		w["cvd_momentum"]*pos(agg.CVDMomentum) +
		w["oi_delta"]*pos(agg.OIDeltaRatio) +
		w["funding"]*pos(-agg.FundingRate) +
		w["depth"]*pos(depth) +
		w["imbalance"]*pos(agg.Imbalance)
	short := w["cvd"]*pos(-agg.CVDRatio) +
		w["cvd_momentum"]*pos(-agg.CVDMomentum) +
		w["oi_delta"]*pos(-agg.OIDeltaRatio) +
		w["funding"]*pos(agg.FundingRate) +
		w["depth"]*pos(-depth) +
		w["imbalance"]*pos(-agg.Imbalance)
	return Scores{Long: clip01(long), Short: clip01(short)}
}

// Range scoring is contrarian: it fades stretched imbalance and momentum,
// and penalizes both sides when open interest is moving hard.
func rangeScores(cfg config.DecisionConfig, agg market.TimeframeAggregate) Scores {
	w := cfg.RangeWeights
	depth := agg.DepthRatio - 1.0
	penalty := cfg.OIPenalty * min1(abs(agg.OIDeltaRatio))
	long := w["imbalance"]*pos(-agg.Imbalance) +
		w["cvd_momentum"]*pos(-agg.CVDMomentum) +
		w["depth"]*pos(-depth) -
		penalty
	short := w["imbalance"]*pos(agg.Imbalance) +
		w["cvd_momentum"]*pos(agg.CVDMomentum) +
		w["depth"]*pos(depth) -
		penalty
	return Scores{Long: clip01(long), Short: clip01(short)}
}

func pos(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
