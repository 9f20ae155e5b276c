package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"flowbot/internal/config"
	"flowbot/internal/logging"
	"flowbot/internal/venue/binance"

	"go.uber.org/zap"
)

const defaultEnvFile = ".env"

// verify loads and validates a config, prints the resolved decision
// surface, and optionally probes venue connectivity with a live sample.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	probe := flag.Bool("probe", false, "fetch one live sample per symbol to verify venue access")
	flag.Parse()

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(fmt.Errorf("config invalid: %w", err))
	}
	fmt.Printf("config ok: %s\n\n", *configPath)

	printDecisionSurface(cfg)
	printRiskBounds(cfg)
	printExecutionChains(cfg)
	printPools(cfg)

	if *probe {
		probeVenue(cfg)
	}
}

func printDecisionSurface(cfg *config.Config) {
	d := cfg.Decision
	fmt.Println("regime thresholds:")
	fmt.Printf("  adx_trend_on=%.1f adx_range_on=%.1f atr_pct=[%.4f,%.4f]\n", d.ADXTrendOn, d.ADXRangeOn, d.ATRPctMin, d.ATRPctMax)
	fmt.Printf("  direction_lock_mode=%s soft_adx_buffer=%.1f ema_band_pct=%.4f\n", d.LockMode, d.SoftADXBuffer, d.EMABandPct)
	fmt.Printf("  open_thresholds long=%.2f short=%.2f close=%.2f timeframe=%s\n\n",
		d.OpenThresholdLong, d.OpenThresholdShort, d.CloseThreshold, d.ScoreTimeframe)

	printWeights("trend weights", d.TrendWeights)
	printWeights("range weights", d.RangeWeights)
	fmt.Printf("  range_oi_penalty=%.2f\n\n", d.OIPenalty)
}

func printWeights(label string, weights map[string]float64) {
	fmt.Printf("%s:\n", label)
	keys := make([]string, 0, len(weights))
	total := 0.0
	for k, v := range weights {
		keys = append(keys, k)
		total += v
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-14s %.2f\n", k, weights[k])
	}
	fmt.Printf("  %-14s %.2f\n", "total", total)
}

func printRiskBounds(cfg *config.Config) {
	r := cfg.Risk
	fmt.Println("risk bounds:")
	fmt.Printf("  leverage=[%.1f,%.1f] fraction=[%.3f,%.3f] price_deviation=%.2f%%\n",
		r.MinLeverage, r.MaxLeverage, r.MinOpenFraction, r.MaxOpenFraction, r.PriceDeviationPct)
	fmt.Printf("  daily_loss=%.1f%% cooldown=%s loss_streak=%d cooldown=%s tz=%s\n",
		r.MaxDailyLossPct*100, r.DailyLossCooldown, r.MaxConsecutiveLoss, r.LossStreakCooldown, r.DailyResetTimezone)
	if len(r.AllowedSymbols) > 0 {
		fmt.Printf("  allowed_symbols=%s\n", strings.Join(r.AllowedSymbols, ","))
	}
	fmt.Println()
}

func printExecutionChains(cfg *config.Config) {
	e := cfg.Execution
	openChain := []string{"limit-ioc"}
	for i := 1; i <= e.OpenRetries; i++ {
		openChain = append(openChain, fmt.Sprintf("limit-ioc-slip-%d(%+.0fbps)", i, e.OpenStepBps*float64(i)))
	}
	if e.OpenGTCFallback {
		openChain = append(openChain, "gtc-fallback")
	}
	if e.OpenMarketFallback {
		openChain = append(openChain, "market-fallback")
	}
	closeChain := []string{"close-ioc"}
	for i := 1; i <= e.CloseRetries; i++ {
		closeChain = append(closeChain, fmt.Sprintf("close-ioc-slip-%d(%+.0fbps)", i, e.CloseStepBps*float64(i)))
	}
	if e.CloseGTCFallback {
		closeChain = append(closeChain, fmt.Sprintf("close-gtc(boundary %.1f%%)", e.GTCBoundaryPct))
	}
	if e.CloseMktFallback {
		closeChain = append(closeChain, "close-market")
	}
	fmt.Println("execution chains:")
	fmt.Printf("  open:  %s\n", strings.Join(openChain, " -> "))
	fmt.Printf("  close: %s\n", strings.Join(closeChain, " -> "))
	fmt.Printf("  tp=%.2f%% sl=%.2f%% rollback_on_tpsl_fail=%t strict_leverage_sync=%t\n\n",
		e.TakeProfitPct, e.StopLossPct, e.RollbackEnabled(), e.StrictLeverageSync)
}

func printPools(cfg *config.Config) {
	if len(cfg.Trigger.Pools) == 0 {
		fmt.Println("trigger pools: none (all signals pass)")
		return
	}
	fmt.Println("trigger pools:")
	for _, pool := range cfg.Trigger.Pools {
		fmt.Printf("  %s enabled=%t logic=%s rules=%d edge=%t cooldown=%s\n",
			pool.ID, pool.Enabled, pool.Logic, len(pool.Rules), pool.EdgeTrigger, pool.EdgeCooldown)
	}
	fmt.Println()
}

func probeVenue(cfg *config.Config) {
	apiKey := strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET"))
	log := logging.New(config.LoggingConfig{Level: "warn"})
	defer func() { _ = log.Sync() }()

	client := binance.New(cfg.Venue.BaseURL, apiKey, apiSecret, cfg.Venue.RecvWindow, cfg.Venue.Timeout, log)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("venue probe:")
	for _, symbol := range cfg.Symbols {
		sample, err := client.Sample(ctx, symbol)
		if err != nil {
			fmt.Printf("  %s: FAILED: %v\n", symbol, err)
			continue
		}
		fmt.Printf("  %s: price=%.4f mark=%.4f funding=%.6f oi=%.2f\n",
			symbol, sample.Price, sample.MarkPrice, sample.FundingRate, sample.OpenInterest)
	}
	if apiKey != "" && apiSecret != "" {
		if acct, err := client.Account(ctx); err != nil {
			fmt.Printf("  account: FAILED: %v\n", err)
			log.Warn("account probe failed", zap.Error(err))
		} else {
			fmt.Printf("  account: equity=%.2f available=%.2f\n", acct.Equity, acct.Available)
		}
	} else {
		fmt.Println("  account: skipped (no API credentials)")
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
