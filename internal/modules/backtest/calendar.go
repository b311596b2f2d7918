package backtest

import (
	"time"

	"github.com/aristath/backtester/internal/domain"
)

// RebalanceDates generates the rebalance schedule for [start, end]. The
// start date itself is always the first rebalance; subsequent dates fall
// on period starts (first of month, quarter, or year) up to end.
func RebalanceDates(start, end time.Time, freq domain.RebalanceFrequency) []time.Time {
	if end.Before(start) {
		return nil
	}

	dates := []time.Time{start}
	cur := nextPeriodStart(start, freq)
	for !cur.After(end) {
		dates = append(dates, cur)
		cur = nextPeriodStart(cur, freq)
	}
	return dates
}

func nextPeriodStart(t time.Time, freq domain.RebalanceFrequency) time.Time {
	y, m, _ := t.Date()
	switch freq {
	case domain.RebalanceMonthly:
		return time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
	case domain.RebalanceQuarterly:
		// Advance to the next quarter boundary: Jan, Apr, Jul, Oct.
		q := (int(m)-1)/3*3 + 4
		return time.Date(y, time.Month(q), 1, 0, 0, 0, 0, t.Location())
	default: // annually
		return time.Date(y+1, 1, 1, 0, 0, 0, 0, t.Location())
	}
}
