package universe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/pkg/logger"
)

func TestRefreshJob_ImportsNewSnapshots(t *testing.T) {
	db := testDB(t)
	log := logger.Nop()
	snapshots := NewSnapshotRepository(db.Conn(), log)
	prices := NewPriceRepository(db.Conn(), log)

	dir := t.TempDir()
	drop := SnapshotFile{
		EvaluationDate: "2024-01-01",
		Entries: []domain.RankedEntry{
			{Ticker: "AAA", Sector: "Energy", MarketCap: 20e9, RankingScore: 90},
		},
		Prices: map[string][]domain.Candle{
			"AAA": {{Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Open: 10, High: 11, Low: 9, Close: 10, Volume: 100}},
		},
	}
	data, err := json.Marshal(drop)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-01-01.json"), data, 0644))
	// A malformed file must not abort the whole run.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644))

	job := NewRefreshJob(dir, snapshots, prices, log)
	require.NoError(t, job.Run())

	ctx := context.Background()
	entries, err := snapshots.On(ctx, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AAA", entries[0].Ticker)

	history, err := prices.History(ctx,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, history["AAA"], 1)

	// Rerun skips the already-imported date.
	require.NoError(t, job.Run())
	entries, err = snapshots.On(ctx, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
