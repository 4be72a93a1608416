// Package indicator wraps go-talib behind stable names so strategies never
// import the TA library directly.
package indicator

import "github.com/markcheno/go-talib"

type MaType = talib.MaType

const (
	TypeSMA   = talib.SMA
	TypeEMA   = talib.EMA
	TypeWMA   = talib.WMA
	TypeDEMA  = talib.DEMA
	TypeTEMA  = talib.TEMA
	TypeTRIMA = talib.TRIMA
	TypeKAMA  = talib.KAMA
	TypeMAMA  = talib.MAMA
	TypeT3MA  = talib.T3MA
)

// Moving averages.

func SMA(input []float64, period int) []float64 {
	return talib.Sma(input, period)
}

func EMA(input []float64, period int) []float64 {
	return talib.Ema(input, period)
}

func WMA(input []float64, period int) []float64 {
	return talib.Wma(input, period)
}

func DEMA(input []float64, period int) []float64 {
	return talib.Dema(input, period)
}

func TEMA(input []float64, period int) []float64 {
	return talib.Tema(input, period)
}

func KAMA(input []float64, period int) []float64 {
	return talib.Kama(input, period)
}

func MA(input []float64, period int, maType MaType) []float64 {
	return talib.Ma(input, period, maType)
}

// BB returns the upper, middle and lower Bollinger Bands.
func BB(input []float64, period int, deviation float64, maType MaType) ([]float64, []float64, []float64) {
	return talib.BBands(input, period, deviation, deviation, maType)
}

// Momentum oscillators.

func RSI(input []float64, period int) []float64 {
	return talib.Rsi(input, period)
}

// MACD returns the MACD line, signal line and histogram.
func MACD(input []float64, fastPeriod, slowPeriod, signalPeriod int) ([]float64, []float64, []float64) {
	return talib.Macd(input, fastPeriod, slowPeriod, signalPeriod)
}

func Momentum(input []float64, period int) []float64 {
	return talib.Mom(input, period)
}

func ROC(input []float64, period int) []float64 {
	return talib.Roc(input, period)
}

func CCI(high, low, close []float64, period int) []float64 {
	return talib.Cci(high, low, close, period)
}

func ADX(high, low, close []float64, period int) []float64 {
	return talib.Adx(high, low, close, period)
}

// Stoch returns slow %K and slow %D.
func Stoch(high, low, close []float64, fastKPeriod, slowKPeriod int, slowKMAType MaType,
	slowDPeriod int, slowDMAType MaType) ([]float64, []float64) {
	return talib.Stoch(high, low, close, fastKPeriod, slowKPeriod, slowKMAType, slowDPeriod, slowDMAType)
}

func WilliamsR(high, low, close []float64, period int) []float64 {
	return talib.WillR(high, low, close, period)
}

func MFI(high, low, close, volume []float64, period int) []float64 {
	return talib.Mfi(high, low, close, volume, period)
}

// Volume and volatility.

func OBV(input, volume []float64) []float64 {
	return talib.Obv(input, volume)
}

func ATR(high, low, close []float64, period int) []float64 {
	return talib.Atr(high, low, close, period)
}

func NATR(high, low, close []float64, period int) []float64 {
	return talib.Natr(high, low, close, period)
}

// Statistics.

func StdDev(input []float64, period int, nbDev float64) []float64 {
	return talib.StdDev(input, period, nbDev)
}

func LinearReg(input []float64, period int) []float64 {
	return talib.LinearReg(input, period)
}

func Correl(input0, input1 []float64, period int) []float64 {
	return talib.Correl(input0, input1, period)
}

func Max(input []float64, period int) []float64 {
	return talib.Max(input, period)
}

func Min(input []float64, period int) []float64 {
	return talib.Min(input, period)
}

func Sum(input []float64, period int) []float64 {
	return talib.Sum(input, period)
}
