package universe

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/database"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/pkg/logger"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "universe.db"),
		Profile: database.ProfileStandard,
		Name:    "universe",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.ApplySchema(Schema))
	return db
}

func TestSnapshotRepository_SaveAndLookup(t *testing.T) {
	db := testDB(t)
	repo := NewSnapshotRepository(db.Conn(), logger.Nop())
	ctx := context.Background()

	evalDate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []domain.RankedEntry{
		{Ticker: "BBB", Name: "Beta Corp", Sector: "Energy", MarketCap: 5e9, Beta: 1.1, RankingScore: 80},
		{Ticker: "AAA", Name: "Alpha Inc", Sector: "Industrials", MarketCap: 20e9, Beta: 0.9, RankingScore: 95},
	}
	require.NoError(t, repo.Save(ctx, evalDate, entries))

	// Lookup from a later date resolves to the latest prior snapshot,
	// ordered by ranking score.
	got, err := repo.On(ctx, evalDate.AddDate(0, 2, 15))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "AAA", got[0].Ticker)
	assert.Equal(t, "BBB", got[1].Ticker)
	assert.InDelta(t, 95.0, got[0].RankingScore, 1e-9)
	assert.Equal(t, "Alpha Inc", got[0].Name)
}

func TestSnapshotRepository_SaveReplacesDate(t *testing.T) {
	db := testDB(t)
	repo := NewSnapshotRepository(db.Conn(), logger.Nop())
	ctx := context.Background()
	evalDate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, evalDate, []domain.RankedEntry{{Ticker: "OLD", RankingScore: 1}}))
	require.NoError(t, repo.Save(ctx, evalDate, []domain.RankedEntry{{Ticker: "NEW", RankingScore: 2}}))

	got, err := repo.On(ctx, evalDate)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "NEW", got[0].Ticker)
}

func TestSnapshotRepository_NoPriorSnapshot(t *testing.T) {
	db := testDB(t)
	repo := NewSnapshotRepository(db.Conn(), logger.Nop())

	_, err := repo.On(context.Background(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestPriceRepository_RoundTrip(t *testing.T) {
	db := testDB(t)
	repo := NewPriceRepository(db.Conn(), logger.Nop())
	ctx := context.Background()

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	candles := []domain.Candle{
		{Date: start, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000},
		{Date: start.AddDate(0, 0, 1), Open: 100.5, High: 102, Low: 100, Close: 101.5, Volume: 1200},
	}
	require.NoError(t, repo.Save(ctx, "AAA", candles))

	history, err := repo.History(ctx, start, start.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, history["AAA"], 2)
	assert.InDelta(t, 100.5, history["AAA"][0].Close, 1e-9)
	assert.Equal(t, start, history["AAA"][0].Date)

	// Upsert overwrites the same day.
	candles[0].Close = 99.0
	require.NoError(t, repo.Save(ctx, "AAA", candles[:1]))
	history, err = repo.History(ctx, start, start)
	require.NoError(t, err)
	assert.InDelta(t, 99.0, history["AAA"][0].Close, 1e-9)

	tickers, err := repo.Tickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, tickers)
}

func TestPriceCache_RoundTrip(t *testing.T) {
	cache := NewPriceCache(t.TempDir(), logger.Nop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	_, ok := cache.Load(start, end)
	assert.False(t, ok)

	history := domain.PriceHistory{
		"AAA": {{Date: start, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}},
	}
	cache.Store(start, end, history)

	got, ok := cache.Load(start, end)
	require.True(t, ok)
	require.Len(t, got["AAA"], 1)
	assert.InDelta(t, 1.5, got["AAA"][0].Close, 1e-9)
}

func TestProvider_ServesCandidatesAndPrices(t *testing.T) {
	db := testDB(t)
	log := logger.Nop()
	snapshots := NewSnapshotRepository(db.Conn(), log)
	prices := NewPriceRepository(db.Conn(), log)
	provider := NewProvider(snapshots, prices, NewPriceCache(t.TempDir(), log), log)
	ctx := context.Background()

	evalDate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, snapshots.Save(ctx, evalDate, []domain.RankedEntry{{Ticker: "AAA", RankingScore: 1}}))
	require.NoError(t, prices.Save(ctx, "AAA", []domain.Candle{
		{Date: evalDate, Open: 10, High: 11, Low: 9, Close: 10, Volume: 100},
	}))

	candidates, err := provider.Candidates(ctx, evalDate)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	history, err := provider.Prices(ctx, evalDate, evalDate.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Len(t, history["AAA"], 1)

	// Second call hits the cache and returns the same data.
	cached, err := provider.Prices(ctx, evalDate, evalDate.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Len(t, cached["AAA"], 1)
}
