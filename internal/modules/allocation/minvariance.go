package allocation

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/pkg/formulas"
)

// DefaultShrinkage blends the sample covariance toward a scaled
// identity. Keeps the matrix invertible when the window is short
// relative to the candidate count.
const DefaultShrinkage = 0.10

// MinVarianceAllocator solves long-only minimum variance weights from
// a shrunk sample covariance matrix.
type MinVarianceAllocator struct {
	Shrinkage float64
	log       zerolog.Logger
}

// NewMinVarianceAllocator creates a minimum-variance allocator.
func NewMinVarianceAllocator(log zerolog.Logger) *MinVarianceAllocator {
	return &MinVarianceAllocator{
		Shrinkage: DefaultShrinkage,
		log:       log.With().Str("component", "allocation").Logger(),
	}
}

// Allocate computes w = Σ⁻¹1 / (1ᵀΣ⁻¹1) on the shrunk covariance, then
// clamps short positions to zero and renormalizes. Candidates without
// enough history are dropped first.
func (a *MinVarianceAllocator) Allocate(
	candidates []domain.RankedEntry,
	history domain.PriceHistory,
	asOf time.Time,
	lookbackDays int,
) (domain.Portfolio, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates: %w", domain.ErrInsufficientData)
	}

	tickers := make([]string, len(candidates))
	for i, c := range candidates {
		tickers[i] = c.Ticker
	}

	start := asOf.AddDate(0, 0, -lookbackDays)
	series := buildReturnSeries(tickers, history, start, asOf)
	if len(series.tickers) == 0 {
		return nil, fmt.Errorf("no candidate has usable history: %w", domain.ErrInsufficientData)
	}
	if len(series.tickers) == 1 {
		return domain.Portfolio{series.tickers[0]: 1.0}, nil
	}

	n := len(series.tickers)
	cov := covarianceMatrix(series.returns)

	// Shrink toward avgVar * I.
	var avgVar float64
	for i := 0; i < n; i++ {
		avgVar += cov[i][i]
	}
	avgVar /= float64(n)

	sigma := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := (1 - a.Shrinkage) * cov[i][j]
			if i == j {
				v += a.Shrinkage * avgVar
			}
			sigma.Set(i, j, v)
		}
	}

	ones := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		ones.SetVec(i, 1.0)
	}

	var solved mat.VecDense
	if err := solved.SolveVec(sigma, ones); err != nil {
		// Singular even after shrinkage: fall back to inverse variance.
		a.log.Warn().Err(err).Msg("Covariance solve failed, using inverse variance")
		return a.inverseVarianceFallback(series, cov), nil
	}

	portfolio := make(domain.Portfolio, n)
	var total float64
	for i := 0; i < n; i++ {
		w := solved.AtVec(i)
		if w < 0 {
			w = 0
		}
		portfolio[series.tickers[i]] = w
		total += w
	}
	if total <= 0 {
		return a.inverseVarianceFallback(series, cov), nil
	}
	for t, w := range portfolio {
		if w == 0 {
			delete(portfolio, t)
			continue
		}
		portfolio[t] = w / total
	}
	return portfolio, nil
}

func (a *MinVarianceAllocator) inverseVarianceFallback(series returnSeries, cov [][]float64) domain.Portfolio {
	variances := make([]float64, len(series.tickers))
	for i := range variances {
		variances[i] = cov[i][i]
	}
	weights := formulas.InverseVarianceWeights(variances)
	portfolio := make(domain.Portfolio, len(weights))
	for i, w := range weights {
		portfolio[series.tickers[i]] = w
	}
	return portfolio
}
