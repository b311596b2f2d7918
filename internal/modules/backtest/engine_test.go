package backtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/allocation"
	"github.com/aristath/backtester/internal/modules/constraints"
	"github.com/aristath/backtester/internal/modules/construction"
	"github.com/aristath/backtester/internal/modules/costs"
	"github.com/aristath/backtester/pkg/logger"
)

// stubProvider serves a fixed candidate list and price history. The
// optional candidatesOn override swaps the screen per evaluation date.
type stubProvider struct {
	entries      []domain.RankedEntry
	history      domain.PriceHistory
	candidatesOn func(asOf time.Time) []domain.RankedEntry
}

func (s *stubProvider) Candidates(_ context.Context, asOf time.Time) ([]domain.RankedEntry, error) {
	if s.candidatesOn != nil {
		return s.candidatesOn(asOf), nil
	}
	return s.entries, nil
}

func (s *stubProvider) Prices(_ context.Context, _, _ time.Time) (domain.PriceHistory, error) {
	return s.history, nil
}

// driftCandles builds daily candles growing at a constant daily rate.
func driftCandles(start time.Time, days int, startPrice, dailyGrowth float64) []domain.Candle {
	candles := make([]domain.Candle, days)
	price := startPrice
	for i := 0; i < days; i++ {
		candles[i] = domain.Candle{
			Date:   start.AddDate(0, 0, i),
			Open:   price,
			High:   price * 1.005,
			Low:    price * 0.995,
			Close:  price,
			Volume: 1_000_000,
		}
		price *= 1 + dailyGrowth
	}
	return candles
}

func frictionlessEngine(t *testing.T) *Engine {
	t.Helper()
	log := logger.Nop()
	constraintCfg := domain.RiskConstraintConfig{DefaultSectorCap: 1.0, MinEnforceSize: 1}
	constructor := construction.NewConstructor(
		constraints.NewManager(constraintCfg, log),
		allocation.NewClusterAllocator(log),
		allocation.NewMinVarianceAllocator(log),
		log,
	)
	return NewEngine(constructor, costs.NewModel(costs.ZeroConfig(), log), domain.TaxProfile{}, log)
}

func quarterlyConfig(size int) domain.BacktestConfig {
	return domain.BacktestConfig{
		StartDate:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:            time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		RebalanceFrequency: domain.RebalanceQuarterly,
		PortfolioSize:      size,
		InitialCapital:     1_000_000,
		Scheme:             domain.SchemeEqual,
		LotMethod:          domain.LotHIFO,
	}
}

func TestRun_FrictionlessEqualWeightTracksAverageReturn(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	days := 370

	history := make(domain.PriceHistory)
	entries := make([]domain.RankedEntry, 25)
	for i := 0; i < 25; i++ {
		ticker := fmt.Sprintf("T%02d", i)
		growth := 0.0001 * float64(i) // 0 to 24 bps per day
		history[ticker] = driftCandles(start, days, 100, growth)
		entries[i] = domain.RankedEntry{
			Ticker: ticker, Sector: "Industrials", MarketCap: 20e9,
			Beta: 1.0, RankingScore: float64(25 - i),
		}
	}
	provider := &stubProvider{entries: entries, history: history}

	engine := frictionlessEngine(t)
	result, err := engine.Run(context.Background(), "run-1", quarterlyConfig(25), provider, nil)
	require.NoError(t, err)
	require.Len(t, result.Periods, 4)

	// Zero cost model, zero tax rates: nothing leaks.
	assert.Zero(t, result.TotalCosts)
	assert.Zero(t, result.TotalTaxes)

	// With equal weights set at each period start, the portfolio return
	// over the period equals the average of the constituent returns.
	for _, p := range result.Periods {
		var avg float64
		for _, e := range entries {
			startPrice, ok := history.CloseOn(e.Ticker, p.Start)
			require.True(t, ok)
			endPrice, ok := history.CloseOn(e.Ticker, p.End)
			require.True(t, ok)
			avg += endPrice/startPrice - 1
		}
		avg /= float64(len(entries))
		assert.InDelta(t, avg, p.Return, 1e-6, "period starting %s", p.Start.Format("2006-01-02"))
	}

	assert.InDelta(t, result.Periods[3].EndValue, result.FinalValue, 1e-9)
	assert.Greater(t, result.FinalValue, 1_000_000.0)
}

func TestRun_Deterministic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	history := make(domain.PriceHistory)
	entries := make([]domain.RankedEntry, 10)
	for i := 0; i < 10; i++ {
		ticker := fmt.Sprintf("T%02d", i)
		history[ticker] = driftCandles(start, 370, 50+10*float64(i), 0.0003*float64(i%4))
		entries[i] = domain.RankedEntry{
			Ticker: ticker, Sector: "Industrials", MarketCap: 20e9,
			Beta: 1.0, RankingScore: float64(10 - i),
		}
	}
	provider := &stubProvider{entries: entries, history: history}
	engine := frictionlessEngine(t)
	cfg := quarterlyConfig(10)
	cfg.Scheme = domain.SchemeRank

	first, err := engine.Run(context.Background(), "same-id", cfg, provider, nil)
	require.NoError(t, err)
	second, err := engine.Run(context.Background(), "same-id", cfg, provider, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Periods, second.Periods)
	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.FinalValue, second.FinalValue)
	assert.Equal(t, first.FinalHoldings, second.FinalHoldings)
}

func TestRun_SkipsTickersWithoutPrices(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	history := domain.PriceHistory{
		"AAA": driftCandles(start, 370, 100, 0.0002),
		"BBB": driftCandles(start, 370, 100, 0.0001),
		// GONE only has candles after July; it cannot trade in Q1/Q2.
		"GONE": driftCandles(start.AddDate(0, 6, 10), 100, 100, 0.0001),
	}
	entries := []domain.RankedEntry{
		{Ticker: "GONE", Sector: "Energy", MarketCap: 20e9, Beta: 1, RankingScore: 3},
		{Ticker: "AAA", Sector: "Energy", MarketCap: 20e9, Beta: 1, RankingScore: 2},
		{Ticker: "BBB", Sector: "Energy", MarketCap: 20e9, Beta: 1, RankingScore: 1},
	}
	provider := &stubProvider{entries: entries, history: history}

	engine := frictionlessEngine(t)
	result, err := engine.Run(context.Background(), "run-skip", quarterlyConfig(3), provider, nil)
	require.NoError(t, err)

	assert.Contains(t, result.Periods[0].Skipped, "GONE")
	assert.Contains(t, result.Periods[1].Skipped, "GONE")
	assert.Empty(t, result.Periods[3].Skipped)

	for _, trade := range result.Trades {
		if trade.Ticker == "GONE" {
			assert.False(t, trade.Date.Before(time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)))
		}
	}
}

func TestRun_HarvestSellsTrimmedLosers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	history := domain.PriceHistory{
		"LOSER":  driftCandles(start, 370, 100, -0.004), // steady decline
		"WINNER": driftCandles(start, 370, 100, 0.001),
	}

	provider := &stubProvider{
		history: history,
		candidatesOn: func(asOf time.Time) []domain.RankedEntry {
			loser := domain.RankedEntry{Ticker: "LOSER", Sector: "Energy", MarketCap: 20e9, Beta: 1}
			winner := domain.RankedEntry{Ticker: "WINNER", Sector: "Energy", MarketCap: 20e9, Beta: 1}
			if asOf.Equal(start) {
				// Initially the loser ranks first and gets 2/3 weight.
				loser.RankingScore, winner.RankingScore = 2, 1
				return []domain.RankedEntry{loser, winner}
			}
			winner.RankingScore, loser.RankingScore = 2, 1
			return []domain.RankedEntry{winner, loser}
		},
	}

	cfg := quarterlyConfig(2)
	cfg.Scheme = domain.SchemeRank
	cfg.HarvestEnabled = true
	cfg.HarvestMinLoss = 100

	engine := frictionlessEngine(t)
	result, err := engine.Run(context.Background(), "run-harvest", cfg, provider, nil)
	require.NoError(t, err)

	// At the second rebalance the loser's weight halves, so part of the
	// position is sold by the diff and the rest is harvested at a loss.
	var harvestLoss float64
	secondRebalance := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	for _, trade := range result.Trades {
		if trade.Ticker == "LOSER" && trade.Side == domain.SideSell && trade.Date.Equal(secondRebalance) {
			harvestLoss += trade.RealizedGain
		}
	}
	assert.Less(t, harvestLoss, 0.0)

	// Losses never owe tax; rates are zero here anyway.
	assert.Zero(t, result.TotalTaxes)
}
