package formulas

import (
	"fmt"
	"math"
)

// CorrelationMatrix calculates the pairwise Pearson correlation matrix of a
// set of aligned return series. The diagonal is forced to exactly 1.0 and
// off-diagonal values are clamped to [-1, 1] to absorb floating noise.
func CorrelationMatrix(series [][]float64) ([][]float64, error) {
	n := len(series)
	if n == 0 {
		return nil, fmt.Errorf("no series provided")
	}

	length := len(series[0])
	for i := 1; i < n; i++ {
		if len(series[i]) != length {
			return nil, fmt.Errorf("inconsistent series lengths: %d vs %d", len(series[i]), length)
		}
	}

	corr := make([][]float64, n)
	for i := range corr {
		corr[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		corr[i][i] = 1.0
		for j := i + 1; j < n; j++ {
			val := Correlation(series[i], series[j])
			if math.IsNaN(val) || math.IsInf(val, 0) {
				val = 0.0
			}
			val = math.Max(-1.0, math.Min(1.0, val))
			corr[i][j] = val
			corr[j][i] = val
		}
	}

	return corr, nil
}

// CorrelationToDistance converts correlation matrix to distance matrix.
// Distance formula: d_ij = sqrt(2 * (1 - ρ_ij))
// where ρ_ij is the correlation between assets i and j.
//
// This is used in hierarchical clustering for cluster-based allocation.
func CorrelationToDistance(corrMatrix [][]float64) [][]float64 {
	n := len(corrMatrix)
	distMatrix := make([][]float64, n)

	for i := 0; i < n; i++ {
		distMatrix[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				// Self-distance is exactly zero regardless of floating noise.
				continue
			}
			corr := corrMatrix[i][j]
			corr = math.Max(-1.0, math.Min(1.0, corr))
			distMatrix[i][j] = math.Sqrt(2.0 * (1.0 - corr))
		}
	}

	return distMatrix
}

// InverseVarianceWeights calculates risk parity weights using inverse variance weighting.
//
// Formula: w_i = (1/v_i) / Σ(1/v_j)
// where v_i is the variance of asset i.
//
// This gives higher weights to assets with lower variance (lower risk).
func InverseVarianceWeights(variances []float64) []float64 {
	n := len(variances)
	weights := make([]float64, n)

	var totalInvVariance float64
	for _, v := range variances {
		if v > 0 {
			totalInvVariance += 1.0 / v
		}
	}

	if totalInvVariance == 0 {
		// If all variances are zero or invalid, use equal weights
		for i := range weights {
			weights[i] = 1.0 / float64(n)
		}
		return weights
	}

	for i, v := range variances {
		if v > 0 {
			weights[i] = (1.0 / v) / totalInvVariance
		} else {
			weights[i] = 0.0
		}
	}

	return weights
}
