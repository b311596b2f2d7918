// Package formulas provides portable math used across the backtester:
// return statistics, correlation machinery for clustering, and the
// high-low spread estimator used by the cost model.
package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear is the annualization base for daily returns.
const TradingDaysPerYear = 252

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Variance(data, nil)
}

// AnnualizedVolatility calculates annualized volatility from daily returns
// Formula: Std Dev of Daily Returns × sqrt(252 trading days)
func AnnualizedVolatility(dailyReturns []float64) float64 {
	if len(dailyReturns) == 0 {
		return 0
	}
	return StdDev(dailyReturns) * math.Sqrt(TradingDaysPerYear)
}

// CalculateReturns converts prices to percentage returns
// Returns[i] = (Price[i] - Price[i-1]) / Price[i-1]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// Correlation calculates the Pearson correlation coefficient between two datasets
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(y) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// Covariance calculates the covariance between two datasets
func Covariance(x, y []float64) float64 {
	if len(x) == 0 || len(y) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Covariance(x, y, nil)
}

// CumulativeReturn compounds a series of periodic returns.
// Formula: (1+r1)*(1+r2)*...*(1+rN) - 1
func CumulativeReturn(returns []float64) float64 {
	cumulative := 1.0
	for _, r := range returns {
		cumulative *= 1.0 + r
	}
	return cumulative - 1.0
}

// AnnualizedReturn annualizes a series of daily returns.
// Formula: ((1+r1)*(1+r2)*...*(1+rN))^(252/N) - 1
func AnnualizedReturn(dailyReturns []float64) float64 {
	n := len(dailyReturns)
	if n == 0 {
		return 0
	}
	total := 1.0 + CumulativeReturn(dailyReturns)
	if total <= 0 {
		return -1.0
	}
	return math.Pow(total, TradingDaysPerYear/float64(n)) - 1.0
}

// MaxDrawdown computes the maximum peak-to-trough decline of a return series.
// Returned as a negative fraction (e.g. -0.25 for a 25% drawdown).
func MaxDrawdown(returns []float64) float64 {
	cumulative := 1.0
	peak := 1.0
	maxDD := 0.0
	for _, r := range returns {
		cumulative *= 1.0 + r
		if cumulative > peak {
			peak = cumulative
		}
		dd := (cumulative - peak) / peak
		if dd < maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Clamp restricts a value to a given range.
func Clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}
