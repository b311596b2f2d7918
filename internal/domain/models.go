// Package domain provides core domain models shared across the backtester.
package domain

import (
	"sort"
	"time"
)

// TradeSide represents the direction of a trade instruction.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// WeightingScheme selects how a target portfolio is weighted.
type WeightingScheme string

const (
	// SchemeEqual assigns 1/N to every admissible candidate.
	SchemeEqual WeightingScheme = "equal"
	// SchemeRank weights by inverse rank position, normalized.
	SchemeRank WeightingScheme = "rank"
	// SchemeCluster is hierarchical-clustering risk parity.
	SchemeCluster WeightingScheme = "cluster"
	// SchemeMinVariance is minimum variance via shrunk covariance inversion.
	SchemeMinVariance WeightingScheme = "min_variance"
)

// LotMethod selects which open lots a sell consumes first.
type LotMethod string

const (
	LotFIFO LotMethod = "FIFO"
	LotLIFO LotMethod = "LIFO"
	// LotHIFO (highest acquisition price first) is the tax-minimizing default.
	LotHIFO       LotMethod = "HIFO"
	LotSpecificID LotMethod = "SpecificID"
)

// RebalanceFrequency controls the rebalance calendar.
type RebalanceFrequency string

const (
	RebalanceMonthly   RebalanceFrequency = "monthly"
	RebalanceQuarterly RebalanceFrequency = "quarterly"
	RebalanceAnnually  RebalanceFrequency = "annually"
)

// MarketCapSegment classifies a stock by market capitalization for
// diversification constraints.
type MarketCapSegment string

const (
	SegmentLargeCap MarketCapSegment = "large_cap"
	SegmentMidCap   MarketCapSegment = "mid_cap"
	SegmentSmallCap MarketCapSegment = "small_cap"
	SegmentMicroCap MarketCapSegment = "micro_cap"
)

// Segment returns the market-cap segment for constraint purposes.
// Thresholds: $50B+ large, $5B-$50B mid, $1B-$5B small, below micro.
func Segment(marketCap float64) MarketCapSegment {
	switch {
	case marketCap >= 50e9:
		return SegmentLargeCap
	case marketCap >= 5e9:
		return SegmentMidCap
	case marketCap >= 1e9:
		return SegmentSmallCap
	default:
		return SegmentMicroCap
	}
}

// RankedEntry is one row of a screening snapshot: a stock with its
// multi-factor ranking as of a single evaluation date. Immutable; supplied
// by the external ranking layer.
type RankedEntry struct {
	Ticker          string  `json:"ticker"`
	Name            string  `json:"name"`
	Sector          string  `json:"sector"`
	MarketCap       float64 `json:"market_cap"`
	Beta            float64 `json:"beta"`
	RankingScore    float64 `json:"ranking_score"`
	EarningsYield   float64 `json:"earnings_yield"`
	ReturnOnCapital float64 `json:"return_on_capital"`
	QualityScore    float64 `json:"quality_score"`
}

// Candle is one day of OHLCV data.
type Candle struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// PriceHistory maps ticker to its ordered daily candles (ascending by date).
type PriceHistory map[string][]Candle

// CloseOn returns the last close at or before the given date.
// The boolean is false when the ticker has no candle at or before the date.
func (h PriceHistory) CloseOn(ticker string, date time.Time) (float64, bool) {
	candles := h[ticker]
	// Binary search for the first candle after date.
	idx := sort.Search(len(candles), func(i int) bool {
		return candles[i].Date.After(date)
	})
	if idx == 0 {
		return 0, false
	}
	return candles[idx-1].Close, true
}

// Window returns the candles within [start, end] inclusive.
func (h PriceHistory) Window(ticker string, start, end time.Time) []Candle {
	candles := h[ticker]
	lo := sort.Search(len(candles), func(i int) bool {
		return !candles[i].Date.Before(start)
	})
	hi := sort.Search(len(candles), func(i int) bool {
		return candles[i].Date.After(end)
	})
	return candles[lo:hi]
}

// Closes extracts the close series from a candle slice.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Portfolio is a target allocation: ticker → weight. Weights sum to 1.0
// within floating tolerance, or the map is empty when no eligible
// candidates exist.
type Portfolio map[string]float64

// Tickers returns the portfolio's tickers in deterministic (sorted) order.
func (p Portfolio) Tickers() []string {
	out := make([]string, 0, len(p))
	for t := range p {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Holdings is an actual position snapshot: ticker → share count.
type Holdings map[string]float64

// Tickers returns the held tickers in deterministic (sorted) order.
func (h Holdings) Tickers() []string {
	out := make([]string, 0, len(h))
	for t := range h {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TradeInstruction is an ephemeral order produced by diffing target against
// current holdings. Produced and consumed within one rebalance.
type TradeInstruction struct {
	Ticker         string    `json:"ticker"`
	Side           TradeSide `json:"side"`
	Shares         float64   `json:"shares"`
	ReferencePrice float64   `json:"reference_price"`
}

// TradeRecord is one executed trade in the trade log.
type TradeRecord struct {
	Date         time.Time `json:"date"`
	Ticker       string    `json:"ticker"`
	Side         TradeSide `json:"side"`
	Shares       float64   `json:"shares"`
	Price        float64   `json:"price"`
	RealizedGain float64   `json:"realized_gain"` // zero for buys
	TaxPaid      float64   `json:"tax_paid"`      // zero for buys and losses
	CostPaid     float64   `json:"cost_paid"`     // transaction cost in currency
}

// TaxProfile holds the tax rates applied to realized gains.
// Immutable configuration.
type TaxProfile struct {
	ShortTermRate    float64 `json:"short_term_rate"`    // federal ordinary income rate
	LongTermRate     float64 `json:"long_term_rate"`     // federal LTCG rate
	SurtaxRate       float64 `json:"surtax_rate"`        // net investment income tax
	JurisdictionRate float64 `json:"jurisdiction_rate"`  // state/local rate
}

// EffectiveShortTermRate is the combined rate applied to short-term gains.
func (p TaxProfile) EffectiveShortTermRate() float64 {
	return p.ShortTermRate + p.SurtaxRate + p.JurisdictionRate
}

// EffectiveLongTermRate is the combined rate applied to long-term gains.
func (p TaxProfile) EffectiveLongTermRate() float64 {
	return p.LongTermRate + p.SurtaxRate + p.JurisdictionRate
}
