package domain

import (
	"fmt"
	"time"
)

// SegmentBounds is the allowed share band for a market-cap segment.
type SegmentBounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// RiskConstraintConfig configures the diversification constraint walk.
type RiskConstraintConfig struct {
	// SectorCaps maps sector name to its maximum portfolio share.
	// Sectors not listed fall back to DefaultSectorCap.
	SectorCaps       map[string]float64 `json:"sector_caps"`
	DefaultSectorCap float64            `json:"default_sector_cap"`

	// SegmentBounds maps market-cap segment to its min/max share band.
	// Only the max side is enforced during the incremental walk; the min
	// side is reported by validation.
	SegmentBounds map[MarketCapSegment]SegmentBounds `json:"segment_bounds"`

	// MaxStockBeta rejects individual candidates above this beta.
	// Zero disables the check.
	MaxStockBeta float64 `json:"max_stock_beta"`
	// MaxPortfolioBeta rejects candidates that would push the cumulative
	// equal-weight portfolio beta above this bound. Zero disables.
	MaxPortfolioBeta float64 `json:"max_portfolio_beta"`

	// MinEnforceSize is the diversification floor: inputs smaller than
	// this bypass constraints entirely.
	MinEnforceSize int `json:"min_enforce_size"`

	// Backfill continues the walk past skipped candidates into
	// lower-ranked names until the target size is reached. When false an
	// undersized admissible list is returned as-is.
	Backfill bool `json:"backfill"`
}

// DefaultRiskConstraintConfig mirrors the sector/size/beta limits the
// screening research settled on.
func DefaultRiskConstraintConfig() RiskConstraintConfig {
	return RiskConstraintConfig{
		SectorCaps: map[string]float64{
			"Information Technology": 0.35,
			"Health Care":            0.25,
			"Financials":             0.25,
			"Consumer Discretionary": 0.20,
			"Industrials":            0.20,
			"Communication Services": 0.15,
			"Consumer Staples":       0.15,
			"Energy":                 0.15,
			"Materials":              0.12,
			"Real Estate":            0.12,
			"Utilities":              0.10,
		},
		DefaultSectorCap: 0.15,
		SegmentBounds: map[MarketCapSegment]SegmentBounds{
			SegmentLargeCap: {Min: 0.30, Max: 0.70},
			SegmentMidCap:   {Min: 0.20, Max: 0.50},
			SegmentSmallCap: {Min: 0.05, Max: 0.30},
		},
		MaxStockBeta:     3.0,
		MaxPortfolioBeta: 1.5,
		MinEnforceSize:   15,
		Backfill:         true,
	}
}

// BacktestConfig configures one simulation run. Correctness-relevant
// fields (scheme, lot method) have no hidden defaults: Validate rejects
// empties so behavior is always explicit.
type BacktestConfig struct {
	StartDate          time.Time          `json:"start_date"`
	EndDate            time.Time          `json:"end_date"`
	RebalanceFrequency RebalanceFrequency `json:"rebalance_frequency"`
	PortfolioSize      int                `json:"portfolio_size"`
	InitialCapital     float64            `json:"initial_capital"`
	Scheme             WeightingScheme    `json:"scheme"`
	LotMethod          LotMethod          `json:"lot_method"`
	HarvestEnabled     bool               `json:"harvest_enabled"`
	HarvestMinLoss     float64            `json:"harvest_min_loss"`

	// ClusterCount is the cluster cut for the cluster scheme. Ignored by
	// the other schemes.
	ClusterCount int `json:"cluster_count"`
	// LookbackDays is the trailing return window, in calendar days, for
	// cluster and min-variance weighting.
	LookbackDays int `json:"lookback_days"`
}

// Validate checks the configuration for completeness and consistency.
func (c BacktestConfig) Validate() error {
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return fmt.Errorf("start and end dates are required")
	}
	if !c.EndDate.After(c.StartDate) {
		return fmt.Errorf("end date %s is not after start date %s",
			c.EndDate.Format("2006-01-02"), c.StartDate.Format("2006-01-02"))
	}
	switch c.RebalanceFrequency {
	case RebalanceMonthly, RebalanceQuarterly, RebalanceAnnually:
	default:
		return fmt.Errorf("unsupported rebalance frequency: %q", c.RebalanceFrequency)
	}
	switch c.Scheme {
	case SchemeEqual, SchemeRank, SchemeCluster, SchemeMinVariance:
	default:
		return fmt.Errorf("unsupported weighting scheme: %q", c.Scheme)
	}
	switch c.LotMethod {
	case LotFIFO, LotLIFO, LotHIFO:
	default:
		return fmt.Errorf("lot selection method must be explicit, got %q", c.LotMethod)
	}
	if c.PortfolioSize <= 0 {
		return fmt.Errorf("portfolio size must be positive, got %d", c.PortfolioSize)
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive, got %f", c.InitialCapital)
	}
	if c.Scheme == SchemeCluster && c.ClusterCount <= 0 {
		return fmt.Errorf("cluster scheme requires a positive cluster count")
	}
	return nil
}

// Lookback returns the trailing return window in calendar days,
// defaulting to one year when unset.
func (c BacktestConfig) Lookback() int {
	if c.LookbackDays > 0 {
		return c.LookbackDays
	}
	return 365
}
