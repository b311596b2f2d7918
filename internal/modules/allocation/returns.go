package allocation

import (
	"sort"
	"time"

	"github.com/aristath/backtester/internal/domain"
)

// MinCoverage is the fraction of trading days a ticker must have closes
// for inside the lookback window to be usable for risk estimation.
const MinCoverage = 0.8

// returnSeries is an aligned daily-return matrix for a set of tickers.
type returnSeries struct {
	tickers []string
	returns [][]float64 // one row per ticker, equal lengths
}

// buildReturnSeries aligns daily returns over the union of trading dates
// in [start, end]. Tickers with insufficient coverage are dropped; days a
// surviving ticker is missing contribute a zero return.
func buildReturnSeries(tickers []string, history domain.PriceHistory, start, end time.Time) returnSeries {
	dateSet := make(map[time.Time]struct{})
	closes := make(map[string]map[time.Time]float64, len(tickers))

	for _, ticker := range tickers {
		window := history.Window(ticker, start, end)
		if len(window) == 0 {
			continue
		}
		byDate := make(map[time.Time]float64, len(window))
		for _, c := range window {
			byDate[c.Date] = c.Close
			dateSet[c.Date] = struct{}{}
		}
		closes[ticker] = byDate
	}

	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	if len(dates) < 2 {
		return returnSeries{}
	}

	var out returnSeries
	required := MinCoverage * float64(len(dates))
	for _, ticker := range tickers {
		byDate := closes[ticker]
		if float64(len(byDate)) < required {
			continue
		}
		row := make([]float64, len(dates)-1)
		for i := 1; i < len(dates); i++ {
			prev, okPrev := byDate[dates[i-1]]
			cur, okCur := byDate[dates[i]]
			if okPrev && okCur && prev > 0 {
				row[i-1] = cur/prev - 1.0
			}
		}
		out.tickers = append(out.tickers, ticker)
		out.returns = append(out.returns, row)
	}
	return out
}
