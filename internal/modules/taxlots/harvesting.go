package taxlots

import (
	"sort"
	"time"
)

// HarvestCandidate is an open lot whose sale would realize a loss.
type HarvestCandidate struct {
	Lot              Lot     `json:"lot"`
	CurrentPrice     float64 `json:"current_price"`
	UnrealizedLoss   float64 `json:"unrealized_loss"` // negative
	EstimatedBenefit float64 `json:"estimated_benefit"`
	LongTerm         bool    `json:"long_term"`
}

// HarvestCandidates returns lots with an unrealized loss of at least
// minLoss (absolute), ordered by estimated tax benefit, largest first.
// Lots whose sale would be washed by a recent purchase of the same
// ticker are skipped: a harvest that forfeits the loss is pointless.
func (l *Ledger) HarvestCandidates(prices map[string]float64, asOf time.Time, minLoss float64) []HarvestCandidate {
	var candidates []HarvestCandidate

	for ticker, lots := range l.lots {
		price, ok := prices[ticker]
		if !ok || price <= 0 {
			continue
		}
		for _, lot := range lots {
			loss := (price - lot.CostBasis) * lot.Shares
			if loss >= 0 || -loss < minLoss {
				continue
			}
			if l.recentBuyWouldWash(ticker, lot.ID, asOf) {
				continue
			}

			longTerm := asOf.Sub(lot.AcquiredAt) > LongTermHoldingDays*24*time.Hour
			rate := l.taxes.EffectiveShortTermRate()
			if longTerm {
				rate = l.taxes.EffectiveLongTermRate()
			}
			candidates = append(candidates, HarvestCandidate{
				Lot:              *lot,
				CurrentPrice:     price,
				UnrealizedLoss:   loss,
				EstimatedBenefit: -loss * rate,
				LongTerm:         longTerm,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].EstimatedBenefit != candidates[j].EstimatedBenefit {
			return candidates[i].EstimatedBenefit > candidates[j].EstimatedBenefit
		}
		// Stable order for equal benefits.
		if candidates[i].Lot.Ticker != candidates[j].Lot.Ticker {
			return candidates[i].Lot.Ticker < candidates[j].Lot.Ticker
		}
		return candidates[i].Lot.AcquiredAt.Before(candidates[j].Lot.AcquiredAt)
	})
	return candidates
}

// recentBuyWouldWash reports whether another lot of the ticker was
// acquired inside the wash-sale window ending at asOf.
func (l *Ledger) recentBuyWouldWash(ticker, excludeLotID string, asOf time.Time) bool {
	for _, other := range l.lots[ticker] {
		if other.ID == excludeLotID {
			continue
		}
		if !other.AcquiredAt.After(asOf) && withinWashWindow(other.AcquiredAt, asOf) {
			return true
		}
	}
	return false
}
