// Package indicators computes the technical indicator bundle attached to a
// signal during enrichment. The indicator arithmetic is delegated to go-talib
// and the volume statistics to gonum/stat; this package shapes inputs and
// outputs and enforces minimum data requirements.
package indicators

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/sigmapilot/lens/internal/market"
)

// Params selects which indicators to compute and their periods. Zero values
// fall back to the conventional defaults.
type Params struct {
	EMAPeriods []int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	RSIPeriod  int
	ATRPeriod  int

	Bollinger       bool
	BollingerPeriod int
	BollingerStdDev float64

	ADX       bool
	ADXPeriod int

	Stochastic  bool
	StochFastK  int
	StochSlowK  int
	StochSlowD  int

	SMAPeriods []int

	VolumeStats  bool
	VolumePeriod int
}

// WithDefaults fills unset fields with conventional periods.
func (p Params) WithDefaults() Params {
	if len(p.EMAPeriods) == 0 {
		p.EMAPeriods = []int{9, 21, 50}
	}
	if p.MACDFast == 0 {
		p.MACDFast = 12
	}
	if p.MACDSlow == 0 {
		p.MACDSlow = 26
	}
	if p.MACDSignal == 0 {
		p.MACDSignal = 9
	}
	if p.RSIPeriod == 0 {
		p.RSIPeriod = 14
	}
	if p.ATRPeriod == 0 {
		p.ATRPeriod = 14
	}
	if p.BollingerPeriod == 0 {
		p.BollingerPeriod = 20
	}
	if p.BollingerStdDev == 0 {
		p.BollingerStdDev = 2
	}
	if p.ADXPeriod == 0 {
		p.ADXPeriod = 14
	}
	if p.StochFastK == 0 {
		p.StochFastK = 14
	}
	if p.StochSlowK == 0 {
		p.StochSlowK = 3
	}
	if p.StochSlowD == 0 {
		p.StochSlowD = 3
	}
	if p.VolumePeriod == 0 {
		p.VolumePeriod = 20
	}
	return p
}

// MinCandles returns how many candles the parameter set needs, with a buffer
// so smoothed indicators converge.
func (p Params) MinCandles() int {
	p = p.WithDefaults()
	max := p.MACDSlow + p.MACDSignal
	for _, period := range p.EMAPeriods {
		if period > max {
			max = period
		}
	}
	for _, period := range p.SMAPeriods {
		if period > max {
			max = period
		}
	}
	if p.RSIPeriod > max {
		max = p.RSIPeriod
	}
	if p.ATRPeriod > max {
		max = p.ATRPeriod
	}
	return max + 50
}

// MACD is the convergence-divergence triple.
type MACD struct {
	MACDLine   float64 `json:"macd_line"`
	SignalLine float64 `json:"signal_line"`
	Histogram  float64 `json:"histogram"`
}

// Bollinger holds band values for the most recent bar.
type Bollinger struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Stochastic holds the slow %K / %D pair.
type Stochastic struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// VolumeStats summarizes recent volume relative to its window.
type VolumeStats struct {
	SMA    float64 `json:"sma"`
	ZScore float64 `json:"zscore"`
}

// Bundle is the computed indicator set for one timeframe.
type Bundle struct {
	EMA        map[string]float64 `json:"ema"`
	MACD       MACD               `json:"macd"`
	RSI        float64            `json:"rsi"`
	ATR        float64            `json:"atr"`
	Bollinger  *Bollinger         `json:"bollinger,omitempty"`
	ADX        *float64           `json:"adx,omitempty"`
	Stochastic *Stochastic        `json:"stochastic,omitempty"`
	SMA        map[string]float64 `json:"sma,omitempty"`
	Volume     *VolumeStats       `json:"volume,omitempty"`
}

// Compute calculates the indicator bundle from candles (oldest first).
func Compute(candles []market.OHLCV, params Params) (*Bundle, error) {
	params = params.WithDefaults()

	if len(candles) < params.MACDSlow+params.MACDSignal {
		return nil, fmt.Errorf("not enough candles: have %d, need %d",
			len(candles), params.MACDSlow+params.MACDSignal)
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	bundle := &Bundle{EMA: make(map[string]float64, len(params.EMAPeriods))}

	for _, period := range params.EMAPeriods {
		if len(closes) < period {
			continue
		}
		series := talib.Ema(closes, period)
		bundle.EMA[fmt.Sprintf("ema_%d", period)] = last(series)
	}

	macdLine, signalLine, histogram := talib.Macd(closes, params.MACDFast, params.MACDSlow, params.MACDSignal)
	bundle.MACD = MACD{
		MACDLine:   last(macdLine),
		SignalLine: last(signalLine),
		Histogram:  last(histogram),
	}

	bundle.RSI = last(talib.Rsi(closes, params.RSIPeriod))
	bundle.ATR = last(talib.Atr(highs, lows, closes, params.ATRPeriod))

	if params.Bollinger && len(closes) >= params.BollingerPeriod {
		upper, middle, lower := talib.BBands(closes, params.BollingerPeriod,
			params.BollingerStdDev, params.BollingerStdDev, talib.SMA)
		bundle.Bollinger = &Bollinger{
			Upper:  last(upper),
			Middle: last(middle),
			Lower:  last(lower),
		}
	}

	if params.ADX && len(closes) >= 2*params.ADXPeriod {
		adx := last(talib.Adx(highs, lows, closes, params.ADXPeriod))
		bundle.ADX = &adx
	}

	if params.Stochastic && len(closes) >= params.StochFastK+params.StochSlowK+params.StochSlowD {
		k, d := talib.Stoch(highs, lows, closes,
			params.StochFastK, params.StochSlowK, talib.SMA, params.StochSlowD, talib.SMA)
		bundle.Stochastic = &Stochastic{K: last(k), D: last(d)}
	}

	if len(params.SMAPeriods) > 0 {
		bundle.SMA = make(map[string]float64, len(params.SMAPeriods))
		for _, period := range params.SMAPeriods {
			if len(closes) < period {
				continue
			}
			bundle.SMA[fmt.Sprintf("sma_%d", period)] = last(talib.Sma(closes, period))
		}
	}

	if params.VolumeStats && len(volumes) >= params.VolumePeriod {
		window := volumes[len(volumes)-params.VolumePeriod:]
		mean, stddev := stat.MeanStdDev(window, nil)
		zscore := 0.0
		if stddev > 0 {
			zscore = (volumes[len(volumes)-1] - mean) / stddev
		}
		bundle.Volume = &VolumeStats{SMA: mean, ZScore: zscore}
	}

	return bundle, nil
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
