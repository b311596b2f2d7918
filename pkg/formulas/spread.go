package formulas

import "math"

// Spread estimator bounds. The estimator mis-behaves on days with extreme
// overnight gaps, so estimates are clamped to a plausible range.
const (
	DefaultSpread = 0.002  // 20 bps fallback when there is no usable data
	MinSpread     = 0.0001 // 1 bp floor (most liquid names)
	MaxSpread     = 0.05   // 500 bps ceiling (very illiquid names)
)

// CorwinSchultzSpread estimates the bid-ask spread from daily high-low
// prices (Corwin & Schultz, 2012). It needs only OHLC data, no intraday
// quotes, and uses two-day rolling high/low pairs:
//
//	β = ln(H/L)² + ln(H₋₁/L₋₁)²
//	γ = ln(H/L) · ln(H₋₁/L₋₁)
//	α = (2γ - sqrt(2γ)) / (3 - 2√2)   (β-based fallback when γ ≤ 0)
//	spread = 2(e^α - 1) / (1 + e^α)
//
// Returns one estimate per input day; the first day and days with invalid
// ranges fall back to the previous estimate, then to DefaultSpread.
func CorwinSchultzSpread(high, low []float64) []float64 {
	n := len(high)
	spreads := make([]float64, n)
	if n == 0 || len(low) != n {
		return spreads
	}

	denominator := 3.0 - 2.0*math.Sqrt2
	prev := DefaultSpread

	for t := 0; t < n; t++ {
		spreads[t] = prev
		if t == 0 {
			continue
		}
		if high[t] <= 0 || low[t] <= 0 || high[t-1] <= 0 || low[t-1] <= 0 {
			continue
		}

		logHL := math.Log(high[t] / low[t])
		logHLLag := math.Log(high[t-1] / low[t-1])
		if logHL <= 0 || logHLLag <= 0 {
			continue
		}

		beta := logHL*logHL + logHLLag*logHLLag
		gamma := logHL * logHLLag

		alpha := (2.0*beta - math.Sqrt(2.0*beta)) / denominator
		if gamma > 0 {
			alpha = (2.0*gamma - math.Sqrt(2.0*gamma)) / denominator
		}

		// Prevent overflow on pathological days.
		alpha = Clamp(alpha, -10.0, 10.0)
		expAlpha := math.Exp(alpha)
		spread := 2.0 * (expAlpha - 1.0) / (1.0 + expAlpha)

		spread = Clamp(spread, MinSpread, MaxSpread)
		spreads[t] = spread
		prev = spread
	}

	return spreads
}
