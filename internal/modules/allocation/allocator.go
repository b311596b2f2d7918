// Package allocation turns a ranked candidate list and its price history
// into portfolio weights. The cluster allocator groups correlated names
// hierarchically and splits risk across groups; a minimum-variance solver
// is provided for the covariance-driven scheme.
package allocation

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/pkg/formulas"
)

// ClusterParams tunes the cluster allocator.
type ClusterParams struct {
	// ClusterCount is the target number of groups. Degrades to the
	// number of usable tickers when fewer are available.
	ClusterCount int
	// LookbackDays is the calendar window of history used for risk.
	LookbackDays int
	// RankBlend and VolBlend mix the intra-cluster weighting between
	// ranking position and inverse volatility. They should sum to 1.
	RankBlend float64
	VolBlend  float64
}

// DefaultClusterParams uses a one-year window, five groups, and a
// 70/30 rank-to-volatility blend inside each group.
func DefaultClusterParams() ClusterParams {
	return ClusterParams{
		ClusterCount: 5,
		LookbackDays: 365,
		RankBlend:    0.7,
		VolBlend:     0.3,
	}
}

// ClusterAllocator assigns weights by hierarchical clustering of the
// return correlation structure.
type ClusterAllocator struct {
	log zerolog.Logger
}

// NewClusterAllocator creates a cluster allocator.
func NewClusterAllocator(log zerolog.Logger) *ClusterAllocator {
	return &ClusterAllocator{log: log.With().Str("component", "allocation").Logger()}
}

// Allocate weights the candidates. Candidates must be in ranking order,
// best first; that order drives the intra-cluster rank weighting.
// Tickers without enough history inside the window are dropped before
// clustering. Returns ErrInsufficientData when no candidate has usable
// history.
func (a *ClusterAllocator) Allocate(
	candidates []domain.RankedEntry,
	history domain.PriceHistory,
	asOf time.Time,
	params ClusterParams,
) (domain.Portfolio, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates: %w", domain.ErrInsufficientData)
	}

	tickers := make([]string, len(candidates))
	rankPos := make(map[string]int, len(candidates))
	for i, c := range candidates {
		tickers[i] = c.Ticker
		rankPos[c.Ticker] = i
	}

	start := asOf.AddDate(0, 0, -params.LookbackDays)
	series := buildReturnSeries(tickers, history, start, asOf)
	if len(series.tickers) == 0 {
		return nil, fmt.Errorf("no candidate has %.0f%% coverage over %d days: %w",
			MinCoverage*100, params.LookbackDays, domain.ErrInsufficientData)
	}
	if dropped := len(tickers) - len(series.tickers); dropped > 0 {
		a.log.Debug().Int("dropped", dropped).Msg("Candidates dropped for thin history")
	}
	if len(series.tickers) == 1 {
		return domain.Portfolio{series.tickers[0]: 1.0}, nil
	}

	corr, err := formulas.CorrelationMatrix(series.returns)
	if err != nil {
		return nil, fmt.Errorf("correlation matrix: %w", err)
	}
	dist := formulas.CorrelationToDistance(corr)
	cov := covarianceMatrix(series.returns)

	k := params.ClusterCount
	if k < 1 {
		k = 1
	}
	if k > len(series.tickers) {
		k = len(series.tickers)
	}
	groups := cutToClusters(buildDendrogram(dist), k)

	// Inverse-variance budget across groups.
	groupWeights := make([]float64, len(groups))
	var budgetSum float64
	for gi, leaves := range groups {
		v := clusterVariance(cov, leaves)
		if v <= 0 {
			v = 1e-8
		}
		groupWeights[gi] = 1.0 / v
		budgetSum += groupWeights[gi]
	}
	for gi := range groupWeights {
		groupWeights[gi] /= budgetSum
	}

	vols := make([]float64, len(series.returns))
	for i, row := range series.returns {
		vols[i] = formulas.StdDev(row)
	}

	portfolio := make(domain.Portfolio, len(series.tickers))
	for gi, leaves := range groups {
		a.spreadWithinCluster(portfolio, series, leaves, rankPos, vols, groupWeights[gi], params)
	}

	// Normalize away accumulated rounding.
	var total float64
	for _, w := range portfolio {
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("degenerate cluster weights: %w", domain.ErrInsufficientData)
	}
	for t := range portfolio {
		portfolio[t] /= total
	}

	a.log.Debug().
		Int("candidates", len(candidates)).
		Int("allocated", len(portfolio)).
		Int("clusters", len(groups)).
		Msg("Cluster allocation complete")
	return portfolio, nil
}

// spreadWithinCluster divides one group's budget across its members by
// blending inverse rank position with inverse volatility.
func (a *ClusterAllocator) spreadWithinCluster(
	portfolio domain.Portfolio,
	series returnSeries,
	leaves []int,
	rankPos map[string]int,
	vols []float64,
	budget float64,
	params ClusterParams,
) {
	if len(leaves) == 1 {
		portfolio[series.tickers[leaves[0]]] = budget
		return
	}

	rankScores := make([]float64, len(leaves))
	volScores := make([]float64, len(leaves))
	var rankSum, volSum float64
	for i, leaf := range leaves {
		rankScores[i] = 1.0 / float64(rankPos[series.tickers[leaf]]+1)
		rankSum += rankScores[i]

		v := vols[leaf]
		if v <= 0 {
			v = 1e-8
		}
		volScores[i] = 1.0 / v
		volSum += volScores[i]
	}

	var blendSum float64
	blended := make([]float64, len(leaves))
	for i := range leaves {
		blended[i] = params.RankBlend*(rankScores[i]/rankSum) + params.VolBlend*(volScores[i]/volSum)
		blendSum += blended[i]
	}
	for i, leaf := range leaves {
		portfolio[series.tickers[leaf]] = budget * blended[i] / blendSum
	}
}

// clusterVariance is the variance of the group under inverse-variance
// weights, the usual hierarchical risk parity cluster risk measure.
func clusterVariance(cov [][]float64, leaves []int) float64 {
	weights := make([]float64, len(leaves))
	var sum float64
	for i, leaf := range leaves {
		v := cov[leaf][leaf]
		if v <= 0 {
			v = 1e-8
		}
		weights[i] = 1.0 / v
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}

	var variance float64
	for i, li := range leaves {
		for j, lj := range leaves {
			variance += weights[i] * weights[j] * cov[li][lj]
		}
	}
	return variance
}

func covarianceMatrix(rows [][]float64) [][]float64 {
	n := len(rows)
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := formulas.Covariance(rows[i], rows[j])
			cov[i][j] = c
			cov[j][i] = c
		}
	}
	return cov
}
