// Package indicator implements the small rolling-window math the scanner
// needs. All windows are bounded (≤ 60 candles), so everything operates on
// plain slices; no streaming abstraction.
package indicator

import (
	"math"

	"perpbot-go/internal/model"
)

// EMA returns the exponential moving average series with smoothing factor
// 2/(period+1), seeded with the first value. The result has the same length
// as the input.
func EMA(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	k := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// ATR is the mean true range over the last period candles. The candle
// immediately preceding the window supplies the first previous close, so the
// series must hold at least period+1 candles.
func ATR(candles []model.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	start := len(candles) - period
	sum := 0.0
	for i := start; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		tr := candles[i].High - candles[i].Low
		tr = math.Max(tr, math.Abs(candles[i].High-prevClose))
		tr = math.Max(tr, math.Abs(candles[i].Low-prevClose))
		sum += tr
	}
	return sum / float64(period)
}

// Mean averages a slice; zero for empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PctChange returns (to-from)/from*100, zero when from is zero.
func PctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

// Closes extracts the close series from a candle window.
func Closes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts the volume series from a candle window.
func Volumes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// CrossoverUp reports whether fast crossed above slow on the last candle:
// fast[-2] <= slow[-2] and fast[-1] > slow[-1].
func CrossoverUp(fast, slow []float64) bool {
	n := len(fast)
	if n < 2 || len(slow) != n {
		return false
	}
	return fast[n-2] <= slow[n-2] && fast[n-1] > slow[n-1]
}

// CrossoverDown is the symmetric downward crossover.
func CrossoverDown(fast, slow []float64) bool {
	n := len(fast)
	if n < 2 || len(slow) != n {
		return false
	}
	return fast[n-2] >= slow[n-2] && fast[n-1] < slow[n-1]
}
