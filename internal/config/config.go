package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	Venue      VenueConfig      `yaml:"venue"`
	WS         WSConfig         `yaml:"ws"`
	State      StateConfig      `yaml:"state"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Symbols    []string         `yaml:"symbols"`
	Cycle      CycleConfig      `yaml:"cycle"`
	Market     MarketConfig     `yaml:"market"`
	Decision   DecisionConfig   `yaml:"decision"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	Risk       RiskConfig       `yaml:"risk"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Protection ProtectionConfig `yaml:"protection"`
	DCA        DCAConfig        `yaml:"dca"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type VenueConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RecvWindow int64         `yaml:"recv_window_ms"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type CycleConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Budget           time.Duration `yaml:"budget"`
	MaxActiveSymbols int           `yaml:"max_active_symbols"`
	RegimeEveryN     int           `yaml:"regime_every_n"`
}

type MarketConfig struct {
	BucketSeconds     int64         `yaml:"bucket_seconds"`
	Timeframes        []string      `yaml:"timeframes"`
	Retention         time.Duration `yaml:"retention"`
	BaselineAlpha     float64       `yaml:"baseline_alpha"`
	BaselineClip      float64       `yaml:"baseline_clip"`
	BaselineMinNotion float64       `yaml:"baseline_min_notional"`
}

type DecisionConfig struct {
	ADXTrendOn    float64 `yaml:"adx_trend_on"`
	ADXRangeOn    float64 `yaml:"adx_range_on"`
	ATRPctMin     float64 `yaml:"atr_pct_min"`
	ATRPctMax     float64 `yaml:"atr_pct_max"`
	LockMode      string  `yaml:"direction_lock_mode"`
	SoftADXBuffer float64 `yaml:"soft_adx_buffer"`
	EMABandPct    float64 `yaml:"direction_lock_ema_band_pct"`

	TrendWeights map[string]float64 `yaml:"trend_weights"`
	RangeWeights map[string]float64 `yaml:"range_weights"`
	OIPenalty    float64            `yaml:"range_oi_penalty"`

	OpenThresholdLong  float64 `yaml:"open_threshold_long"`
	OpenThresholdShort float64 `yaml:"open_threshold_short"`
	CloseThreshold     float64 `yaml:"close_threshold"`
	ScoreTimeframe     string  `yaml:"score_timeframe"`
}

type TriggerConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
	Pools       []PoolConfig  `yaml:"pools"`
}

type PoolConfig struct {
	ID                    string        `yaml:"id"`
	Enabled               bool          `yaml:"enabled"`
	Symbols               []string      `yaml:"symbols"`
	MinLongScore          float64       `yaml:"min_long_score"`
	MinShortScore         float64       `yaml:"min_short_score"`
	Logic                 string        `yaml:"logic"`
	MinPassCount          int           `yaml:"min_pass_count"`
	EdgeTrigger           bool          `yaml:"edge_trigger"`
	EdgeCooldown          time.Duration `yaml:"edge_cooldown"`
	BypassScheduled       bool          `yaml:"bypass_scheduled"`
	ApplyWhenPositionHeld bool          `yaml:"apply_when_position_exists"`
	Rules                 []RuleConfig  `yaml:"rules"`
}

type RuleConfig struct {
	Metric       string   `yaml:"metric"`
	Operator     string   `yaml:"operator"`
	Threshold    float64  `yaml:"threshold"`
	ThresholdMax *float64 `yaml:"threshold_max,omitempty"`
	Timeframe    string   `yaml:"timeframe"`
	Side         string   `yaml:"side"`
}

type RiskConfig struct {
	AllowedSymbols     []string      `yaml:"allowed_symbols"`
	MinLeverage        float64       `yaml:"min_leverage"`
	MaxLeverage        float64       `yaml:"max_leverage"`
	MinOpenFraction    float64       `yaml:"min_open_fraction"`
	MaxOpenFraction    float64       `yaml:"max_open_fraction"`
	PriceDeviationPct  float64       `yaml:"price_deviation_limit_pct"`
	MaxDailyLossPct    float64       `yaml:"max_daily_loss_pct"`
	DailyLossCooldown  time.Duration `yaml:"daily_loss_cooldown"`
	MaxConsecutiveLoss int           `yaml:"max_consecutive_losses"`
	LossStreakCooldown time.Duration `yaml:"loss_streak_cooldown"`
	DailyResetTimezone string        `yaml:"daily_reset_timezone"`
	MaxSymbolFraction  float64       `yaml:"max_symbol_position_fraction"`
}

type ExecutionConfig struct {
	Leverage           float64       `yaml:"leverage"`
	StrictLeverageSync bool          `yaml:"strict_leverage_sync"`
	MinNotionalUSD     float64       `yaml:"min_notional_usd"`
	OpenRetries        int           `yaml:"open_ioc_retries"`
	OpenStepBps        float64       `yaml:"open_slide_step_bps"`
	OpenGTCFallback    bool          `yaml:"open_gtc_fallback"`
	OpenMarketFallback bool          `yaml:"open_market_fallback"`
	CloseRetries       int           `yaml:"close_ioc_retries"`
	CloseStepBps       float64       `yaml:"close_slide_step_bps"`
	CloseGTCFallback   bool          `yaml:"close_gtc_fallback"`
	CloseMktFallback   bool          `yaml:"close_market_fallback"`
	GTCBoundaryPct     float64       `yaml:"gtc_boundary_pct"`
	FillPollInterval   time.Duration `yaml:"fill_poll_interval"`
	RollbackOnTPSLFail *bool         `yaml:"rollback_on_tpsl_fail"`
	TakeProfitPct      float64       `yaml:"take_profit_pct"`
	StopLossPct        float64       `yaml:"stop_loss_pct"`
}

// RollbackEnabled reports whether a position with incomplete protection is
// flattened instead of left standing. Defaults to true when unset.
func (e ExecutionConfig) RollbackEnabled() bool {
	if e.RollbackOnTPSLFail == nil {
		return true
	}
	return *e.RollbackOnTPSLFail
}

type ProtectionConfig struct {
	SLATimeout                 time.Duration `yaml:"sla_timeout"`
	ImmediateCloseOnRepairFail bool          `yaml:"immediate_close_on_repair_fail"`
	AlertCooldown              time.Duration `yaml:"alert_cooldown"`
}

type DCAConfig struct {
	Enabled            bool      `yaml:"enabled"`
	MaxAdditions       int       `yaml:"max_additions"`
	DrawdownThresholds []float64 `yaml:"drawdown_thresholds"`
	SizeMultipliers    []float64 `yaml:"size_multipliers"`
	BaseAddFraction    float64   `yaml:"base_add_fraction"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Venue.BaseURL == "" {
		cfg.Venue.BaseURL = "https://fapi.binance.com"
	}
	if cfg.Venue.Timeout == 0 {
		cfg.Venue.Timeout = 10 * time.Second
	}
	if cfg.Venue.RecvWindow == 0 {
		cfg.Venue.RecvWindow = 5000
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://fstream.binance.com/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/flowbot.db"
	}
	if cfg.Cycle.Interval == 0 {
		cfg.Cycle.Interval = 15 * time.Second
	}
	if cfg.Cycle.Budget == 0 {
		cfg.Cycle.Budget = 45 * time.Second
	}
	if cfg.Cycle.MaxActiveSymbols == 0 {
		cfg.Cycle.MaxActiveSymbols = 3
	}
	if cfg.Cycle.RegimeEveryN == 0 {
		cfg.Cycle.RegimeEveryN = 3
	}
	if cfg.Market.BucketSeconds == 0 {
		cfg.Market.BucketSeconds = 60
	}
	if len(cfg.Market.Timeframes) == 0 {
		cfg.Market.Timeframes = []string{"5m", "15m", "1h"}
	}
	if cfg.Market.Retention == 0 {
		cfg.Market.Retention = 4 * time.Hour
	}
	if cfg.Market.BaselineAlpha == 0 {
		cfg.Market.BaselineAlpha = 0.2
	}
	if cfg.Market.BaselineClip == 0 {
		cfg.Market.BaselineClip = 1.0
	}
	if cfg.Market.BaselineMinNotion == 0 {
		cfg.Market.BaselineMinNotion = 1000.0
	}
	applyDecisionDefaults(&cfg.Decision)
	if cfg.Trigger.DedupWindow == 0 {
		cfg.Trigger.DedupWindow = 10 * time.Second
	}
	for i := range cfg.Trigger.Pools {
		pool := &cfg.Trigger.Pools[i]
		if pool.Logic == "" {
			pool.Logic = "and"
		}
		if pool.EdgeCooldown == 0 {
			pool.EdgeCooldown = 60 * time.Second
		}
	}
	applyRiskDefaults(&cfg.Risk)
	applyExecutionDefaults(&cfg.Execution)
	if cfg.Protection.SLATimeout == 0 {
		cfg.Protection.SLATimeout = 60 * time.Second
	}
	if cfg.Protection.AlertCooldown == 0 {
		cfg.Protection.AlertCooldown = 30 * time.Second
	}
	if cfg.DCA.BaseAddFraction == 0 {
		cfg.DCA.BaseAddFraction = 0.05
	}
}

func applyDecisionDefaults(d *DecisionConfig) {
	if d.ADXTrendOn == 0 {
		d.ADXTrendOn = 25
	}
	if d.ADXRangeOn == 0 {
		d.ADXRangeOn = 18
	}
	if d.ATRPctMin == 0 {
		d.ATRPctMin = 0.002
	}
	if d.ATRPctMax == 0 {
		d.ATRPctMax = 0.02
	}
	if d.LockMode == "" {
		d.LockMode = "soft"
	}
	if d.SoftADXBuffer == 0 {
		d.SoftADXBuffer = 4.0
	}
	if d.EMABandPct == 0 {
		d.EMABandPct = 0.001
	}
	if len(d.TrendWeights) == 0 {
		d.TrendWeights = map[string]float64{
			"cvd":          0.24,
			"cvd_momentum": 0.14,
			"oi_delta":     0.22,
			"funding":      0.10,
			"depth":        0.15,
			"imbalance":    0.15,
		}
	}
	if len(d.RangeWeights) == 0 {
		d.RangeWeights = map[string]float64{
			"imbalance":    0.55,
			"cvd_momentum": 0.35,
			"depth":        0.10,
		}
	}
	if d.OIPenalty == 0 {
		d.OIPenalty = 0.20
	}
	if d.OpenThresholdLong == 0 {
		d.OpenThresholdLong = 0.35
	}
	if d.OpenThresholdShort == 0 {
		d.OpenThresholdShort = 0.35
	}
	if d.CloseThreshold == 0 {
		d.CloseThreshold = 0.45
	}
	if d.ScoreTimeframe == "" {
		d.ScoreTimeframe = "15m"
	}
}

func applyRiskDefaults(r *RiskConfig) {
	if r.MinLeverage == 0 {
		r.MinLeverage = 2
	}
	if r.MaxLeverage == 0 {
		r.MaxLeverage = 20
	}
	if r.MinOpenFraction == 0 {
		r.MinOpenFraction = 0.08
	}
	if r.MaxOpenFraction == 0 {
		r.MaxOpenFraction = 1.0
	}
	if r.PriceDeviationPct == 0 {
		r.PriceDeviationPct = 1.0
	}
	if r.MaxDailyLossPct == 0 {
		r.MaxDailyLossPct = 0.10
	}
	if r.DailyLossCooldown == 0 {
		r.DailyLossCooldown = 8 * time.Hour
	}
	if r.MaxConsecutiveLoss == 0 {
		r.MaxConsecutiveLoss = 3
	}
	if r.LossStreakCooldown == 0 {
		r.LossStreakCooldown = 30 * time.Minute
	}
	if r.DailyResetTimezone == "" {
		r.DailyResetTimezone = "UTC"
	}
	if r.MaxSymbolFraction == 0 {
		r.MaxSymbolFraction = 0.5
	}
}

func applyExecutionDefaults(e *ExecutionConfig) {
	if e.Leverage == 0 {
		e.Leverage = 5
	}
	if e.MinNotionalUSD == 0 {
		e.MinNotionalUSD = 5
	}
	if e.OpenRetries == 0 {
		e.OpenRetries = 3
	}
	if e.OpenStepBps == 0 {
		e.OpenStepBps = 5
	}
	if e.CloseRetries == 0 {
		e.CloseRetries = 5
	}
	if e.CloseStepBps == 0 {
		e.CloseStepBps = 10
	}
	if e.GTCBoundaryPct == 0 {
		e.GTCBoundaryPct = 1.0
	}
	if e.FillPollInterval == 0 {
		e.FillPollInterval = 500 * time.Millisecond
	}
	if e.TakeProfitPct == 0 {
		e.TakeProfitPct = 1.5
	}
	if e.StopLossPct == 0 {
		e.StopLossPct = 1.0
	}
}

func validate(cfg *Config) error {
	if len(cfg.Symbols) == 0 {
		return errors.New("symbols is required")
	}
	switch cfg.Decision.LockMode {
	case "hard", "soft", "off":
	default:
		return fmt.Errorf("decision.direction_lock_mode must be hard, soft or off, got %q", cfg.Decision.LockMode)
	}
	if cfg.Decision.ADXRangeOn >= cfg.Decision.ADXTrendOn {
		return errors.New("decision.adx_range_on must be below decision.adx_trend_on")
	}
	if cfg.Decision.ATRPctMin >= cfg.Decision.ATRPctMax {
		return errors.New("decision.atr_pct_min must be below decision.atr_pct_max")
	}
	if err := validateWeights("decision.trend_weights", cfg.Decision.TrendWeights); err != nil {
		return err
	}
	if err := validateWeights("decision.range_weights", cfg.Decision.RangeWeights); err != nil {
		return err
	}
	if cfg.Risk.MinLeverage > cfg.Risk.MaxLeverage {
		return errors.New("risk.min_leverage exceeds risk.max_leverage")
	}
	if cfg.Risk.MinOpenFraction > cfg.Risk.MaxOpenFraction {
		return errors.New("risk.min_open_fraction exceeds risk.max_open_fraction")
	}
	if _, err := time.LoadLocation(cfg.Risk.DailyResetTimezone); err != nil {
		return fmt.Errorf("risk.daily_reset_timezone: %w", err)
	}
	if cfg.Execution.Leverage < cfg.Risk.MinLeverage || cfg.Execution.Leverage > cfg.Risk.MaxLeverage {
		return errors.New("execution.leverage outside risk leverage bounds")
	}
	if len(cfg.DCA.DrawdownThresholds) != len(cfg.DCA.SizeMultipliers) {
		return errors.New("dca.drawdown_thresholds and dca.size_multipliers must have equal length")
	}
	for i := 1; i < len(cfg.DCA.DrawdownThresholds); i++ {
		if cfg.DCA.DrawdownThresholds[i] <= cfg.DCA.DrawdownThresholds[i-1] {
			return errors.New("dca.drawdown_thresholds must be strictly increasing")
		}
	}
	for i := range cfg.Trigger.Pools {
		if err := validatePool(&cfg.Trigger.Pools[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateWeights(name string, weights map[string]float64) error {
	for metric, w := range weights {
		if w < 0 {
			return fmt.Errorf("%s.%s must be >= 0", name, metric)
		}
	}
	return nil
}

func validatePool(pool *PoolConfig) error {
	if strings.TrimSpace(pool.ID) == "" {
		return errors.New("trigger pool id is required")
	}
	switch pool.Logic {
	case "and", "or":
	default:
		if pool.MinPassCount <= 0 {
			return fmt.Errorf("trigger pool %s: logic must be and/or, or min_pass_count > 0", pool.ID)
		}
	}
	for _, rule := range pool.Rules {
		switch rule.Operator {
		case "gt", "gte", "lt", "lte", "abs_gte", "between":
		default:
			return fmt.Errorf("trigger pool %s: unknown operator %q", pool.ID, rule.Operator)
		}
		if rule.Operator == "between" && rule.ThresholdMax == nil {
			return fmt.Errorf("trigger pool %s: between requires threshold_max", pool.ID)
		}
		switch rule.Side {
		case "", "long", "short", "both":
		default:
			return fmt.Errorf("trigger pool %s: unknown side %q", pool.ID, rule.Side)
		}
	}
	return nil
}
