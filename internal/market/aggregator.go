package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"flowbot/internal/config"
	"flowbot/internal/state"
	"flowbot/internal/venue"

	"go.uber.org/zap"
)

var ErrNoData = errors.New("no market data for symbol")

const baselineSnapshotKey = "market:liquidity_baselines"

// TimeframeAggregate is the rolled-up fund-flow view over one timeframe.
// OK is false when the window held too few buckets to aggregate; consumers
// must treat the zero values as absent, not neutral.
type TimeframeAggregate struct {
	CVDRatio           float64
	CVDMomentum        float64
	OIDeltaRatio       float64
	DepthRatio         float64
	Imbalance          float64
	LiquidityDeltaNorm float64
	FundingRate        float64
	RetPeriod          float64
	Buckets            int
	OK                 bool
}

type Snapshot struct {
	Symbol         string
	Timestamp      time.Time
	Price          float64
	MarkPrice      float64
	FundingRate    float64
	SignalStrength float64
	Timeframes     map[string]TimeframeAggregate
}

// Metric returns the named aggregate metric for a timeframe, with ok=false
// when the timeframe is missing or under-sampled.
func (s Snapshot) Metric(name, timeframe string) (float64, bool) {
	agg, ok := s.Timeframes[timeframe]
	if !ok || !agg.OK {
		return 0, false
	}
	switch name {
	case "cvd":
		return agg.CVDRatio, true
	case "cvd_momentum":
		return agg.CVDMomentum, true
	case "oi_delta":
		return agg.OIDeltaRatio, true
	case "depth":
		return agg.DepthRatio, true
	case "imbalance":
		return agg.Imbalance, true
	case "liquidity_delta":
		return agg.LiquidityDeltaNorm, true
	case "funding":
		return agg.FundingRate, true
	case "ret":
		return agg.RetPeriod, true
	}
	return 0, false
}

type bucket struct {
	start        int64
	mid          float64
	cvdRatio     float64
	oiDeltaRatio float64
	depthRatio   float64
	imbalance    float64
	liqDeltaNorm float64
	fundingRate  float64
}

type timeframe struct {
	name    string
	seconds int64
}

// Aggregator buckets raw samples into fixed windows and serves
// multi-timeframe aggregates. The liquidity EMA baseline survives restarts
// through the state store.
type Aggregator struct {
	cfg        config.MarketConfig
	log        *zap.Logger
	timeframes []timeframe

	mu        sync.Mutex
	buckets   map[string]map[int64]bucket
	prev      map[string]venue.Sample
	baselines map[string]float64
	last      map[string]venue.Sample
}

func NewAggregator(cfg config.MarketConfig, log *zap.Logger) (*Aggregator, error) {
	frames := make([]timeframe, 0, len(cfg.Timeframes))
	for _, name := range cfg.Timeframes {
		d, err := time.ParseDuration(name)
		if err != nil {
			return nil, fmt.Errorf("market timeframe %q: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("market timeframe %q must be positive", name)
		}
		frames = append(frames, timeframe{name: name, seconds: int64(d / time.Second)})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].seconds < frames[j].seconds })
	return &Aggregator{
		cfg:        cfg,
		log:        log,
		timeframes: frames,
		buckets:    make(map[string]map[int64]bucket),
		prev:       make(map[string]venue.Sample),
		baselines:  make(map[string]float64),
		last:       make(map[string]venue.Sample),
	}, nil
}

// Ingest folds one raw sample into its time bucket. Derived flow features
// are computed against the previous sample for the symbol; the first sample
// seeds the series with zero deltas.
func (a *Aggregator) Ingest(sample venue.Sample) {
	if sample.Symbol == "" || sample.Price <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, hasPrev := a.prev[sample.Symbol]
	b := bucket{
		start:       bucketStart(sample.Timestamp.Unix(), a.cfg.BucketSeconds),
		mid:         sample.Price,
		fundingRate: sample.FundingRate,
	}
	if sample.AskDepthUSD > 0 {
		b.depthRatio = sample.BidDepthUSD / sample.AskDepthUSD
	}
	if total := sample.BidDepthUSD + sample.AskDepthUSD; total > 0 {
		b.imbalance = (sample.BidDepthUSD - sample.AskDepthUSD) / total
	}
	if hasPrev {
		// Directional flow is a mid price-change proxy, not trade-derived
		// CVD. Downstream thresholds are calibrated to the proxy.
		if prev.Price > 0 {
			b.cvdRatio = (sample.Price - prev.Price) / prev.Price
		}
		if prev.OpenInterest > 0 {
			b.oiDeltaRatio = (sample.OpenInterest - prev.OpenInterest) / prev.OpenInterest
		}
		b.liqDeltaNorm = a.normalizeLiquidityLocked(sample.Symbol, sample, prev)
	} else {
		a.updateBaselineLocked(sample.Symbol, sample.BidDepthUSD+sample.AskDepthUSD)
	}

	symBuckets, ok := a.buckets[sample.Symbol]
	if !ok {
		symBuckets = make(map[int64]bucket)
		a.buckets[sample.Symbol] = symBuckets
	}
	symBuckets[b.start] = b
	a.evictLocked(sample.Symbol, sample.Timestamp.Unix())
	a.prev[sample.Symbol] = sample
	a.last[sample.Symbol] = sample
}

func (a *Aggregator) normalizeLiquidityLocked(symbol string, sample, prev venue.Sample) float64 {
	delta := (sample.BidDepthUSD + sample.AskDepthUSD) - (prev.BidDepthUSD + prev.AskDepthUSD)
	ema := a.updateBaselineLocked(symbol, sample.BidDepthUSD+sample.AskDepthUSD)
	denom := a.cfg.BaselineMinNotion
	if ema > denom {
		denom = ema
	}
	if denom <= 0 {
		return 0
	}
	norm := delta / denom
	if norm > a.cfg.BaselineClip {
		return a.cfg.BaselineClip
	}
	if norm < -a.cfg.BaselineClip {
		return -a.cfg.BaselineClip
	}
	return norm
}

func (a *Aggregator) updateBaselineLocked(symbol string, base float64) float64 {
	prev := a.baselines[symbol]
	var next float64
	if prev <= 0 {
		next = base
	} else {
		next = prev*(1-a.cfg.BaselineAlpha) + base*a.cfg.BaselineAlpha
	}
	a.baselines[symbol] = next
	return next
}

func (a *Aggregator) evictLocked(symbol string, nowUnix int64) {
	cutoff := nowUnix - int64(a.cfg.Retention/time.Second)
	if len(a.timeframes) > 0 {
		longest := nowUnix - a.timeframes[len(a.timeframes)-1].seconds
		if longest < cutoff {
			cutoff = longest
		}
	}
	for start := range a.buckets[symbol] {
		if start < cutoff {
			delete(a.buckets[symbol], start)
		}
	}
}

// Snapshot rebuilds the multi-timeframe view for one symbol from the
// current buckets.
func (a *Aggregator) Snapshot(symbol string) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	last, ok := a.last[symbol]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	snap := Snapshot{
		Symbol:         symbol,
		Timestamp:      last.Timestamp,
		Price:          last.Price,
		MarkPrice:      last.MarkPrice,
		FundingRate:    last.FundingRate,
		SignalStrength: last.SignalStrength,
		Timeframes:     make(map[string]TimeframeAggregate, len(a.timeframes)),
	}
	nowUnix := last.Timestamp.Unix()
	for _, tf := range a.timeframes {
		snap.Timeframes[tf.name] = a.aggregateLocked(symbol, nowUnix, tf.seconds)
	}
	return snap, nil
}

func (a *Aggregator) aggregateLocked(symbol string, nowUnix, windowSeconds int64) TimeframeAggregate {
	cutoff := nowUnix - windowSeconds
	selected := make([]bucket, 0)
	for start, b := range a.buckets[symbol] {
		if start >= cutoff {
			selected = append(selected, b)
		}
	}
	if len(selected) < 2 {
		return TimeframeAggregate{Buckets: len(selected)}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].start < selected[j].start })

	agg := TimeframeAggregate{Buckets: len(selected), OK: true}
	first := selected[0]
	lastB := selected[len(selected)-1]
	n := float64(len(selected))
	for _, b := range selected {
		agg.CVDRatio += b.cvdRatio
		agg.OIDeltaRatio += b.oiDeltaRatio
		agg.DepthRatio += b.depthRatio
		agg.Imbalance += b.imbalance
		agg.LiquidityDeltaNorm += b.liqDeltaNorm
	}
	agg.OIDeltaRatio /= n
	agg.DepthRatio /= n
	agg.Imbalance /= n
	agg.LiquidityDeltaNorm /= n
	agg.CVDMomentum = lastB.cvdRatio - first.cvdRatio
	agg.FundingRate = lastB.fundingRate
	if first.mid > 0 {
		agg.RetPeriod = (lastB.mid - first.mid) / first.mid
	}
	return agg
}

// LoadBaselines restores persisted liquidity EMA baselines.
func (a *Aggregator) LoadBaselines(ctx context.Context, store state.Store) error {
	var baselines map[string]float64
	ok, err := state.LoadSnapshot(ctx, store, baselineSnapshotKey, &baselines)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	a.mu.Lock()
	for symbol, ema := range baselines {
		a.baselines[symbol] = ema
	}
	a.mu.Unlock()
	if a.log != nil {
		a.log.Info("liquidity baselines restored", zap.Int("symbols", len(baselines)))
	}
	return nil
}

// SaveBaselines persists the liquidity EMA baselines.
func (a *Aggregator) SaveBaselines(ctx context.Context, store state.Store) error {
	a.mu.Lock()
	baselines := make(map[string]float64, len(a.baselines))
	for symbol, ema := range a.baselines {
		baselines[symbol] = ema
	}
	a.mu.Unlock()
	return state.SaveSnapshot(ctx, store, baselineSnapshotKey, baselines)
}

func bucketStart(unix, width int64) int64 {
	if width <= 0 {
		return unix
	}
	return unix - (unix % width)
}
