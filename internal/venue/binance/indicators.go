package binance

import "flowbot/internal/venue"

type Candle struct {
	High  float64
	Low   float64
	Close float64
}

const (
	adxPeriod   = 14
	atrPeriod   = 14
	emaFastSpan = 20
	emaSlowSpan = 60
)

// Compute derives the regime inputs from a kline window using Wilder
// smoothing for ATR/ADX. Returns Valid=false for short windows.
func Compute(candles []Candle) venue.Indicators {
	if len(candles) < 2*adxPeriod+1 || len(candles) < emaSlowSpan {
		return venue.Indicators{}
	}
	atr := wilderATR(candles, atrPeriod)
	adx := wilderADX(candles, adxPeriod)
	closePrices := make([]float64, len(candles))
	for i, c := range candles {
		closePrices[i] = c.Close
	}
	last := closePrices[len(closePrices)-1]
	if last <= 0 {
		return venue.Indicators{}
	}
	return venue.Indicators{
		ADX:     adx,
		ATRPct:  atr / last,
		EMAFast: ema(closePrices, emaFastSpan),
		EMASlow: ema(closePrices, emaSlowSpan),
		Valid:   true,
	}
}

func ema(values []float64, span int) float64 {
	if len(values) == 0 {
		return 0
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out := values[0]
	for _, v := range values[1:] {
		out = alpha*v + (1-alpha)*out
	}
	return out
}

func trueRange(prev, cur Candle) float64 {
	tr := cur.High - cur.Low
	if hc := abs(cur.High - prev.Close); hc > tr {
		tr = hc
	}
	if lc := abs(cur.Low - prev.Close); lc > tr {
		tr = lc
	}
	return tr
}

func wilderATR(candles []Candle, period int) float64 {
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(candles[i-1], candles[i])
	}
	atr /= float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trueRange(candles[i-1], candles[i])) / float64(period)
	}
	return atr
}

func wilderADX(candles []Candle, period int) float64 {
	n := len(candles)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		tr[i] = trueRange(candles[i-1], candles[i])
	}

	smooth := func(values []float64) []float64 {
		out := make([]float64, 0, n-period)
		sum := 0.0
		for i := 1; i <= period; i++ {
			sum += values[i]
		}
		out = append(out, sum)
		for i := period + 1; i < n; i++ {
			sum = sum - sum/float64(period) + values[i]
			out = append(out, sum)
		}
		return out
	}

	sTR := smooth(tr)
	sPlus := smooth(plusDM)
	sMinus := smooth(minusDM)

	dx := make([]float64, 0, len(sTR))
	for i := range sTR {
		if sTR[i] == 0 {
			dx = append(dx, 0)
			continue
		}
		plusDI := 100 * sPlus[i] / sTR[i]
		minusDI := 100 * sMinus[i] / sTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			dx = append(dx, 0)
			continue
		}
		dx = append(dx, 100*abs(plusDI-minusDI)/sum)
	}
	if len(dx) < period {
		return 0
	}
	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dx[i]
	}
	adx /= float64(period)
	for i := period; i < len(dx); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
	}
	return adx
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
