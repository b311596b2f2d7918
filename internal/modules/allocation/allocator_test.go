package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/pkg/logger"
)

// candlesFromReturns builds a daily close series by applying the return
// pattern cyclically, starting from 100.
func candlesFromReturns(start time.Time, days int, pattern []float64) []domain.Candle {
	candles := make([]domain.Candle, days)
	price := 100.0
	for i := 0; i < days; i++ {
		if i > 0 {
			price *= 1 + pattern[(i-1)%len(pattern)]
		}
		candles[i] = domain.Candle{
			Date:   start.AddDate(0, 0, i),
			Open:   price,
			High:   price * 1.01,
			Low:    price * 0.99,
			Close:  price,
			Volume: 1_000_000,
		}
	}
	return candles
}

func rankedEntries(tickers ...string) []domain.RankedEntry {
	out := make([]domain.RankedEntry, len(tickers))
	for i, t := range tickers {
		out[i] = domain.RankedEntry{Ticker: t, RankingScore: float64(len(tickers) - i)}
	}
	return out
}

func TestClusterAllocator_GroupsCorrelatedPair(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	days := 61

	history := domain.PriceHistory{
		// AAA and BBB move identically; CCC is uncorrelated with both
		// (period-4 pattern against their period-2 pattern).
		"AAA": candlesFromReturns(start, days, []float64{0.01, -0.01}),
		"BBB": candlesFromReturns(start, days, []float64{0.01, -0.01}),
		"CCC": candlesFromReturns(start, days, []float64{0.01, 0.01, -0.01, -0.01}),
	}
	asOf := start.AddDate(0, 0, days-1)

	params := DefaultClusterParams()
	params.ClusterCount = 2
	params.LookbackDays = 90

	a := NewClusterAllocator(logger.Nop())
	portfolio, err := a.Allocate(rankedEntries("AAA", "BBB", "CCC"), history, asOf, params)
	require.NoError(t, err)
	require.Len(t, portfolio, 3)

	var sum float64
	for _, w := range portfolio {
		assert.Greater(t, w, 0.0)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	// The correlated pair shares one group's budget; the uncorrelated
	// name keeps a whole group to itself. Equal per-name variances give
	// the two groups equal budgets.
	assert.InDelta(t, 0.5, portfolio["CCC"], 0.02)
	assert.InDelta(t, 0.5, portfolio["AAA"]+portfolio["BBB"], 0.02)
	// Better-ranked AAA out-weighs BBB inside the shared group.
	assert.Greater(t, portfolio["AAA"], portfolio["BBB"])
}

func TestClusterAllocator_SingleUsableCandidate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	history := domain.PriceHistory{
		"AAA": candlesFromReturns(start, 61, []float64{0.01, -0.01}),
	}

	a := NewClusterAllocator(logger.Nop())
	params := DefaultClusterParams()
	params.LookbackDays = 90

	portfolio, err := a.Allocate(rankedEntries("AAA"), history, start.AddDate(0, 0, 60), params)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, portfolio["AAA"], 1e-9)
}

func TestClusterAllocator_NoHistoryIsInsufficientData(t *testing.T) {
	a := NewClusterAllocator(logger.Nop())
	params := DefaultClusterParams()

	_, err := a.Allocate(rankedEntries("AAA", "BBB"), domain.PriceHistory{},
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), params)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestClusterAllocator_DropsThinCoverage(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	days := 61
	history := domain.PriceHistory{
		"AAA": candlesFromReturns(start, days, []float64{0.01, -0.01}),
		"BBB": candlesFromReturns(start, days, []float64{0.005, -0.005, 0.01}),
		// Only ten observations in a sixty-day window.
		"THIN": candlesFromReturns(start, 10, []float64{0.02}),
	}

	a := NewClusterAllocator(logger.Nop())
	params := DefaultClusterParams()
	params.ClusterCount = 2
	params.LookbackDays = 90

	portfolio, err := a.Allocate(rankedEntries("AAA", "BBB", "THIN"), history, start.AddDate(0, 0, days-1), params)
	require.NoError(t, err)
	assert.NotContains(t, portfolio, "THIN")
	assert.Len(t, portfolio, 2)
}

func TestClusterAllocator_DegradesClusterCount(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	history := domain.PriceHistory{
		"AAA": candlesFromReturns(start, 61, []float64{0.01, -0.01}),
		"BBB": candlesFromReturns(start, 61, []float64{0.01, 0.01, -0.01, -0.01}),
	}

	a := NewClusterAllocator(logger.Nop())
	params := DefaultClusterParams()
	params.ClusterCount = 10 // more clusters than names
	params.LookbackDays = 90

	portfolio, err := a.Allocate(rankedEntries("AAA", "BBB"), history, start.AddDate(0, 0, 60), params)
	require.NoError(t, err)

	var sum float64
	for _, w := range portfolio {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestMinVarianceAllocator_FavorsLowVolatility(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	history := domain.PriceHistory{
		"CALM": candlesFromReturns(start, 61, []float64{0.002, -0.002}),
		"WILD": candlesFromReturns(start, 61, []float64{0.03, 0.03, -0.03, -0.03}),
	}

	a := NewMinVarianceAllocator(logger.Nop())
	portfolio, err := a.Allocate(rankedEntries("CALM", "WILD"), history, start.AddDate(0, 0, 60), 90)
	require.NoError(t, err)

	var sum float64
	for _, w := range portfolio {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Greater(t, portfolio["CALM"], portfolio["WILD"])
}
