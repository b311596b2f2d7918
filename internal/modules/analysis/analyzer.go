// Package analysis summarizes a completed backtest: return, risk, tax
// drag, and turnover statistics, with optional benchmark-relative
// measures.
package analysis

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/backtest"
	"github.com/aristath/backtester/pkg/formulas"
)

// DefaultRiskFreeRate is the annual risk-free rate used for Sharpe.
const DefaultRiskFreeRate = 0.02

// Report is the full performance summary of one run.
type Report struct {
	RunID string `json:"run_id"`

	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	Volatility       float64 `json:"volatility"` // annualized
	SharpeRatio      float64 `json:"sharpe_ratio"`
	MaxDrawdown      float64 `json:"max_drawdown"` // negative fraction

	TotalTaxes    float64 `json:"total_taxes"`
	TotalCosts    float64 `json:"total_costs"`
	TaxEfficiency float64 `json:"tax_efficiency"` // after-tax / pre-tax return
	AvgTurnover   float64 `json:"avg_turnover"`

	Periods   int      `json:"periods"`
	Benchmark *Relative `json:"benchmark,omitempty"`
}

// Relative holds benchmark-relative statistics.
type Relative struct {
	Alpha            float64 `json:"alpha"` // annualized
	Beta             float64 `json:"beta"`
	InformationRatio float64 `json:"information_ratio"`
}

// Analyzer computes reports from run results.
type Analyzer struct {
	RiskFreeRate float64
	log          zerolog.Logger
}

// NewAnalyzer creates an analyzer with the default risk-free rate.
func NewAnalyzer(log zerolog.Logger) *Analyzer {
	return &Analyzer{
		RiskFreeRate: DefaultRiskFreeRate,
		log:          log.With().Str("component", "analysis").Logger(),
	}
}

// Analyze summarizes a result. benchmarkReturns, when non-empty, must
// hold one return per holding period and enables the relative block.
func (a *Analyzer) Analyze(result *backtest.Result, benchmarkReturns []float64) (*Report, error) {
	if result == nil || len(result.Periods) == 0 {
		return nil, fmt.Errorf("result has no periods: %w", domain.ErrInsufficientData)
	}

	returns := make([]float64, len(result.Periods))
	var turnoverSum float64
	for i, p := range result.Periods {
		returns[i] = p.Return
		turnoverSum += p.Turnover
	}

	perYear := periodsPerYear(result.Config.RebalanceFrequency)
	total := formulas.CumulativeReturn(returns)
	annualized := annualize(total, len(returns), perYear)
	vol := formulas.StdDev(returns) * math.Sqrt(perYear)

	report := &Report{
		RunID:            result.RunID,
		TotalReturn:      total,
		AnnualizedReturn: annualized,
		Volatility:       vol,
		MaxDrawdown:      formulas.MaxDrawdown(returns),
		TotalTaxes:       result.TotalTaxes,
		TotalCosts:       result.TotalCosts,
		TaxEfficiency:    a.taxEfficiency(result),
		AvgTurnover:      turnoverSum / float64(len(returns)),
		Periods:          len(returns),
	}
	if vol > 0 {
		report.SharpeRatio = (annualized - a.RiskFreeRate) / vol
	}

	if len(benchmarkReturns) > 0 {
		if len(benchmarkReturns) != len(returns) {
			return nil, fmt.Errorf("benchmark has %d returns for %d periods",
				len(benchmarkReturns), len(returns))
		}
		report.Benchmark = a.relative(returns, benchmarkReturns, perYear)
	}

	a.log.Debug().Str("run_id", result.RunID).Float64("sharpe", report.SharpeRatio).Msg("Report built")
	return report, nil
}

// taxEfficiency is the ratio of the after-tax gain to the gain the run
// would have kept with zero taxes. 1.0 when no taxes were paid, zero
// when the pre-tax gain is non-positive.
func (a *Analyzer) taxEfficiency(result *backtest.Result) float64 {
	initial := result.Config.InitialCapital
	if initial <= 0 {
		return 0
	}
	afterTaxGain := result.FinalValue - initial
	preTaxGain := afterTaxGain + result.TotalTaxes
	if preTaxGain <= 0 {
		return 0
	}
	return afterTaxGain / preTaxGain
}

func (a *Analyzer) relative(returns, benchmark []float64, perYear float64) *Relative {
	benchVar := formulas.Variance(benchmark)
	beta := 1.0
	if benchVar > 0 {
		beta = formulas.Covariance(returns, benchmark) / benchVar
	}

	// Period alpha via CAPM residual, annualized by compounding.
	rfPeriod := math.Pow(1+a.RiskFreeRate, 1/perYear) - 1
	alphaPeriod := formulas.Mean(returns) - rfPeriod - beta*(formulas.Mean(benchmark)-rfPeriod)
	alpha := math.Pow(1+alphaPeriod, perYear) - 1

	active := make([]float64, len(returns))
	for i := range returns {
		active[i] = returns[i] - benchmark[i]
	}
	trackingError := formulas.StdDev(active) * math.Sqrt(perYear)

	rel := &Relative{Alpha: alpha, Beta: beta}
	if trackingError > 0 {
		rel.InformationRatio = formulas.Mean(active) * perYear / trackingError
	}
	return rel
}

// TaxSummary aggregates realized tax activity from the trade log.
type TaxSummary struct {
	RealizedGains  float64 `json:"realized_gains"`  // sum of positive gains
	RealizedLosses float64 `json:"realized_losses"` // sum of negative gains
	TaxesPaid      float64 `json:"taxes_paid"`
	Sells          int     `json:"sells"`
	Buys           int     `json:"buys"`
}

// SummarizeTaxes walks the trade log of a result.
func (a *Analyzer) SummarizeTaxes(result *backtest.Result) TaxSummary {
	var s TaxSummary
	for _, t := range result.Trades {
		switch t.Side {
		case domain.SideBuy:
			s.Buys++
		case domain.SideSell:
			s.Sells++
			if t.RealizedGain > 0 {
				s.RealizedGains += t.RealizedGain
			} else {
				s.RealizedLosses += t.RealizedGain
			}
			s.TaxesPaid += t.TaxPaid
		}
	}
	return s
}

// annualize converts a total return over n periods to an annual rate.
func annualize(total float64, n int, perYear float64) float64 {
	if n == 0 || total <= -1 {
		return -1
	}
	years := float64(n) / perYear
	if years <= 0 {
		return 0
	}
	return math.Pow(1+total, 1/years) - 1
}

func periodsPerYear(freq domain.RebalanceFrequency) float64 {
	switch freq {
	case domain.RebalanceMonthly:
		return 12
	case domain.RebalanceQuarterly:
		return 4
	default:
		return 1
	}
}
