package decision

import (
	"flowbot/internal/config"
	"flowbot/internal/venue"
)

type Regime string

const (
	RegimeTrendLong  Regime = "TREND_LONG"
	RegimeTrendShort Regime = "TREND_SHORT"
	RegimeRange      Regime = "RANGE"
	RegimeNoTrade    Regime = "NO_TRADE"
)

// ClassifyRegime maps ADX/ATR%/EMA inputs onto a regime. prev is consulted
// only by the soft direction lock, which keeps an established trend
// direction alive through marginal readings.
func ClassifyRegime(cfg config.DecisionConfig, ind venue.Indicators, prev Regime) Regime {
	if !ind.Valid || ind.ADX <= 0 || ind.ATRPct <= 0 || ind.EMAFast <= 0 || ind.EMASlow <= 0 {
		return RegimeNoTrade
	}
	if ind.ATRPct < cfg.ATRPctMin || ind.ATRPct > cfg.ATRPctMax {
		return RegimeNoTrade
	}
	switch {
	case ind.ADX >= cfg.ADXTrendOn:
		return trendDirection(cfg, ind, prev)
	case ind.ADX <= cfg.ADXRangeOn:
		return RegimeRange
	default:
		// Dead zone between the range and trend thresholds.
		return RegimeNoTrade
	}
}

func trendDirection(cfg config.DecisionConfig, ind venue.Indicators, prev Regime) Regime {
	long := ind.EMAFast >= ind.EMASlow
	switch cfg.LockMode {
	case "soft":
		gap := emaGapPct(ind)
		if ind.ADX >= cfg.ADXTrendOn+cfg.SoftADXBuffer && gap >= cfg.EMABandPct {
			return trendFor(long)
		}
		if prev == RegimeTrendLong || prev == RegimeTrendShort {
			return prev
		}
		return RegimeNoTrade
	default:
		// hard and off both follow the EMA order directly.
		return trendFor(long)
	}
}

func trendFor(long bool) Regime {
	if long {
		return RegimeTrendLong
	}
	return RegimeTrendShort
}

func emaGapPct(ind venue.Indicators) float64 {
	if ind.EMASlow == 0 {
		return 0
	}
	gap := (ind.EMAFast - ind.EMASlow) / ind.EMASlow
	if gap < 0 {
		return -gap
	}
	return gap
}
