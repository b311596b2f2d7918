package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/database"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/allocation"
	"github.com/aristath/backtester/internal/modules/analysis"
	"github.com/aristath/backtester/internal/modules/backtest"
	"github.com/aristath/backtester/internal/modules/constraints"
	"github.com/aristath/backtester/internal/modules/construction"
	"github.com/aristath/backtester/internal/modules/costs"
	"github.com/aristath/backtester/pkg/logger"
)

type stubProvider struct {
	entries []domain.RankedEntry
	history domain.PriceHistory
}

func (s *stubProvider) Candidates(_ context.Context, _ time.Time) ([]domain.RankedEntry, error) {
	return s.entries, nil
}

func (s *stubProvider) Prices(_ context.Context, _, _ time.Time) (domain.PriceHistory, error) {
	return s.history, nil
}

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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.Nop()

	entries := make([]domain.RankedEntry, 10)
	history := make(domain.PriceHistory, 10)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range entries {
		ticker := fmt.Sprintf("T%02d", i)
		entries[i] = domain.RankedEntry{
			Ticker:       ticker,
			Sector:       "Industrials",
			MarketCap:    50e9,
			Beta:         1.0,
			RankingScore: float64(100 - i),
		}
		history[ticker] = driftCandles(start, 800, 100, 0.0002*float64(i+1))
	}
	provider := &stubProvider{entries: entries, history: history}

	constraintCfg := domain.RiskConstraintConfig{DefaultSectorCap: 1.0, MinEnforceSize: 1}
	constructor := construction.NewConstructor(
		constraints.NewManager(constraintCfg, log),
		allocation.NewClusterAllocator(log),
		allocation.NewMinVarianceAllocator(log),
		log,
	)
	engine := backtest.NewEngine(constructor, costs.NewModel(costs.ZeroConfig(), log), domain.TaxProfile{}, log)

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "results.db"),
		Profile: database.ProfileResults,
		Name:    "results",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.ApplySchema(backtest.ResultsSchema))

	results := backtest.NewResultRepository(db.Conn(), log)
	manager := backtest.NewManager(engine, provider, results, log)

	return New(Config{
		Log:      log,
		Port:     0,
		Manager:  manager,
		Results:  results,
		Analyzer: analysis.NewAnalyzer(log),
	})
}

func startRunBody() []byte {
	body, _ := json.Marshal(startRunRequest{
		StartDate:          "2024-01-01",
		EndDate:            "2024-12-31",
		RebalanceFrequency: "quarterly",
		PortfolioSize:      5,
		InitialCapital:     1_000_000,
		Scheme:             string(domain.SchemeEqual),
		LotMethod:          string(domain.LotFIFO),
	})
	return body
}

func doRequest(srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func waitForCompletion(t *testing.T, srv *Server, id string) backtest.Run {
	t.Helper()
	var run backtest.Run
	require.Eventually(t, func() bool {
		rec := doRequest(srv, http.MethodGet, "/api/runs/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		return run.State == backtest.StateCompleted || run.State == backtest.StateFailed
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, backtest.StateCompleted, run.State, "run error: %s", run.Error)
	return run
}

func TestStartRun_CompletesAndPersists(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/runs", startRunBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started backtest.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.ID)

	run := waitForCompletion(t, srv, started.ID)
	require.NotNil(t, run.Result)
	assert.Greater(t, run.Result.FinalValue, 1_000_000.0)

	// The sink persists on completion but runs on the engine goroutine,
	// so the row may land slightly after the state flips.
	require.Eventually(t, func() bool {
		rec := doRequest(srv, http.MethodGet, "/api/results/"+started.ID, nil)
		return rec.Code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	listRec := doRequest(srv, http.MethodGet, "/api/results", nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var summaries []backtest.RunSummary
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, started.ID, summaries[0].ID)
}

func TestStartRun_RejectsInvalidConfig(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(startRunRequest{
		StartDate:          "2024-01-01",
		EndDate:            "2023-01-01", // ends before it starts
		RebalanceFrequency: "quarterly",
		PortfolioSize:      5,
		InitialCapital:     1_000_000,
		Scheme:             string(domain.SchemeEqual),
		LotMethod:          string(domain.LotFIFO),
	})
	rec := doRequest(srv, http.MethodPost, "/api/runs", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/runs", []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_UnknownID(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReport_ComputesMetrics(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/runs", startRunBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started backtest.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	waitForCompletion(t, srv, started.ID)

	repRec := doRequest(srv, http.MethodGet, "/api/runs/"+started.ID+"/report", nil)
	require.Equal(t, http.StatusOK, repRec.Code)

	var report analysis.Report
	require.NoError(t, json.Unmarshal(repRec.Body.Bytes(), &report))
	assert.Greater(t, report.TotalReturn, 0.0)
	assert.Equal(t, 4, report.Periods)
}

func TestArchive_NotConfigured(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/runs/whatever/archive", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRefresh_NotConfigured(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/refresh", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestSystemHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/system/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "backtester", health["service"])
}
