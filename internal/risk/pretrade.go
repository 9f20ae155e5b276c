package risk

import (
	"errors"
	"fmt"

	"flowbot/internal/config"
	"flowbot/internal/decision"
	"flowbot/internal/venue"
)

var (
	ErrValidationRejected = errors.New("pre-trade validation rejected")
	ErrAccountCircuitOpen = errors.New("account circuit breaker open")
)

// Intent is a proposed trade before sizing and execution.
type Intent struct {
	Symbol   string
	Action   decision.Action
	Side     venue.Side
	Leverage float64
	Fraction float64
	Price    float64
	Score    float64
	Reason   string
}

// Validate clamps leverage and fraction into their configured bounds and
// hard-rejects off-allow-list symbols and quotes that stray too far from
// the trusted mark. Returns the adjusted intent.
func Validate(cfg config.RiskConfig, intent Intent, markPrice float64) (Intent, error) {
	if len(cfg.AllowedSymbols) > 0 && !contains(cfg.AllowedSymbols, intent.Symbol) {
		return intent, fmt.Errorf("%w: symbol %s not in allow list", ErrValidationRejected, intent.Symbol)
	}

	if intent.Leverage < cfg.MinLeverage {
		intent.Leverage = cfg.MinLeverage
	}
	if intent.Leverage > cfg.MaxLeverage {
		intent.Leverage = cfg.MaxLeverage
	}

	if intent.Action == decision.ActionClose && intent.Fraction <= 0 {
		intent.Fraction = 1.0
	}
	if intent.Fraction < cfg.MinOpenFraction {
		intent.Fraction = cfg.MinOpenFraction
	}
	if intent.Fraction > cfg.MaxOpenFraction {
		intent.Fraction = cfg.MaxOpenFraction
	}

	if intent.Price > 0 && markPrice > 0 && cfg.PriceDeviationPct > 0 {
		deviation := (intent.Price - markPrice) / markPrice * 100
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > cfg.PriceDeviationPct {
			return intent, fmt.Errorf("%w: price %.8f deviates %.2f%% from mark %.8f",
				ErrValidationRejected, intent.Price, deviation, markPrice)
		}
	}
	return intent, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
