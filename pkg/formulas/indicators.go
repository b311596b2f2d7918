package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// AverageDailyVolume returns the rolling simple moving average of daily
// volume over the given window. The last value is the current ADV.
func AverageDailyVolume(volumes []float64, window int) *float64 {
	if len(volumes) < window || window <= 0 {
		return nil
	}

	sma := talib.Sma(volumes, window)
	if len(sma) == 0 {
		return nil
	}

	last := sma[len(sma)-1]
	if math.IsNaN(last) || last <= 0 {
		return nil
	}
	return &last
}

// RealizedVolatility returns the annualized volatility of log close-to-close
// returns over the given window, or nil with insufficient data.
func RealizedVolatility(closes []float64, window int) *float64 {
	if len(closes) < window+1 || window <= 1 {
		return nil
	}

	logReturns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			logReturns = append(logReturns, math.Log(closes[i]/closes[i-1]))
		}
	}
	if len(logReturns) < window {
		return nil
	}

	stddev := talib.StdDev(logReturns, window, 1.0)
	if len(stddev) == 0 {
		return nil
	}

	last := stddev[len(stddev)-1]
	if math.IsNaN(last) || last < 0 {
		return nil
	}

	vol := last * math.Sqrt(TradingDaysPerYear)
	return &vol
}
