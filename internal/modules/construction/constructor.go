// Package construction builds target portfolios: the constraint walk
// picks the names, then the configured weighting scheme assigns weights.
package construction

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/allocation"
	"github.com/aristath/backtester/internal/modules/constraints"
)

// WeightTolerance is the permitted deviation of a target's weight sum
// from 1.0.
const WeightTolerance = 1e-6

// Constructor assembles target portfolios from ranked candidates.
type Constructor struct {
	constraints *constraints.Manager
	cluster     *allocation.ClusterAllocator
	minVariance *allocation.MinVarianceAllocator
	log         zerolog.Logger
}

// NewConstructor wires a constructor from its parts.
func NewConstructor(
	cm *constraints.Manager,
	cluster *allocation.ClusterAllocator,
	minVariance *allocation.MinVarianceAllocator,
	log zerolog.Logger,
) *Constructor {
	return &Constructor{
		constraints: cm,
		cluster:     cluster,
		minVariance: minVariance,
		log:         log.With().Str("component", "construction").Logger(),
	}
}

// Build selects and weights a target portfolio for one rebalance date.
// Candidates must be in ranking order, best first. The returned weights
// sum to 1.0 within WeightTolerance.
func (c *Constructor) Build(
	candidates []domain.RankedEntry,
	history domain.PriceHistory,
	asOf time.Time,
	cfg domain.BacktestConfig,
) (domain.Portfolio, *constraints.Result, error) {
	res, err := c.constraints.Apply(candidates, cfg.PortfolioSize)
	if err != nil {
		return nil, nil, fmt.Errorf("constraint walk: %w", err)
	}

	var portfolio domain.Portfolio
	switch cfg.Scheme {
	case domain.SchemeEqual:
		portfolio = equalWeights(res.Selected)
	case domain.SchemeRank:
		portfolio = rankWeights(res.Selected)
	case domain.SchemeCluster:
		params := allocation.DefaultClusterParams()
		params.ClusterCount = cfg.ClusterCount
		params.LookbackDays = cfg.Lookback()
		portfolio, err = c.cluster.Allocate(res.Selected, history, asOf, params)
	case domain.SchemeMinVariance:
		portfolio, err = c.minVariance.Allocate(res.Selected, history, asOf, cfg.Lookback())
	default:
		return nil, nil, fmt.Errorf("unsupported weighting scheme: %q", cfg.Scheme)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("weighting %s: %w", cfg.Scheme, err)
	}

	if err := checkWeightSum(portfolio); err != nil {
		return nil, nil, err
	}

	c.log.Debug().
		Time("as_of", asOf).
		Str("scheme", string(cfg.Scheme)).
		Int("names", len(portfolio)).
		Msg("Target portfolio built")
	return portfolio, res, nil
}

func equalWeights(selected []domain.RankedEntry) domain.Portfolio {
	if len(selected) == 0 {
		return domain.Portfolio{}
	}
	w := 1.0 / float64(len(selected))
	portfolio := make(domain.Portfolio, len(selected))
	for _, s := range selected {
		portfolio[s.Ticker] = w
	}
	return portfolio
}

// rankWeights assigns harmonic weights by list position: the i-th name
// gets 1/(i+1), normalized.
func rankWeights(selected []domain.RankedEntry) domain.Portfolio {
	if len(selected) == 0 {
		return domain.Portfolio{}
	}
	portfolio := make(domain.Portfolio, len(selected))
	var sum float64
	for i := range selected {
		w := 1.0 / float64(i+1)
		portfolio[selected[i].Ticker] = w
		sum += w
	}
	for t := range portfolio {
		portfolio[t] /= sum
	}
	return portfolio
}

func checkWeightSum(portfolio domain.Portfolio) error {
	if len(portfolio) == 0 {
		return nil
	}
	var sum float64
	for _, w := range portfolio {
		sum += w
	}
	if sum < 1-WeightTolerance || sum > 1+WeightTolerance {
		return fmt.Errorf("target weights sum to %.9f, want 1.0", sum)
	}
	return nil
}
