// Package backtest simulates the screening strategy over historical
// prices: it rebuilds the target portfolio on a calendar, trades the
// difference through the cost model and tax ledger, and records
// per-period results.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/construction"
	"github.com/aristath/backtester/internal/modules/costs"
	"github.com/aristath/backtester/internal/modules/taxlots"
)

// State is the engine's phase within a run.
type State string

const (
	StateIdle         State = "idle"
	StateConstructing State = "constructing"
	StateDiffing      State = "diffing"
	StateSettling     State = "settling"
	StateHolding      State = "holding"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Progress is emitted after every state transition inside a run.
type Progress struct {
	RunID       string    `json:"run_id"`
	State       State     `json:"state"`
	PeriodIndex int       `json:"period_index"`
	PeriodCount int       `json:"period_count"`
	AsOf        time.Time `json:"as_of"`
	Value       float64   `json:"value"`
}

// ProgressFunc receives progress updates. May be nil.
type ProgressFunc func(Progress)

// DataProvider supplies the engine with candidates and prices.
type DataProvider interface {
	// Candidates returns the ranked screen for an evaluation date,
	// best first.
	Candidates(ctx context.Context, asOf time.Time) ([]domain.RankedEntry, error)
	// Prices returns daily candles covering the run's span plus the
	// risk lookback before it.
	Prices(ctx context.Context, start, end time.Time) (domain.PriceHistory, error)
}

// PeriodResult is one holding period between consecutive rebalances.
type PeriodResult struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	StartValue float64   `json:"start_value"`
	EndValue   float64   `json:"end_value"`
	Return     float64   `json:"return"`
	TaxesPaid  float64   `json:"taxes_paid"`
	CostsPaid  float64   `json:"costs_paid"`
	Turnover   float64   `json:"turnover"`
	Skipped    []string  `json:"skipped,omitempty"` // tickers without prices this cycle
}

// Result is the full outcome of one run.
type Result struct {
	RunID         string               `json:"run_id"`
	Config        domain.BacktestConfig `json:"config"`
	Periods       []PeriodResult       `json:"periods"`
	Trades        []domain.TradeRecord `json:"trades"`
	FinalHoldings domain.Holdings      `json:"final_holdings"`
	FinalCash     float64              `json:"final_cash"`
	FinalValue    float64              `json:"final_value"`
	TotalTaxes    float64              `json:"total_taxes"`
	TotalCosts    float64              `json:"total_costs"`
}

// Engine runs backtests. Safe for concurrent runs; all per-run state
// lives on the stack of Run.
type Engine struct {
	constructor *construction.Constructor
	costs       *costs.Model
	taxes       domain.TaxProfile
	log         zerolog.Logger
}

// NewEngine creates a backtest engine.
func NewEngine(constructor *construction.Constructor, costModel *costs.Model, taxes domain.TaxProfile, log zerolog.Logger) *Engine {
	return &Engine{
		constructor: constructor,
		costs:       costModel,
		taxes:       taxes,
		log:         log.With().Str("component", "backtest").Logger(),
	}
}

// Run executes one backtest. Identical inputs produce identical results;
// every map traversal that feeds a trade or a weight goes through a
// sorted key list.
func (e *Engine) Run(ctx context.Context, runID string, cfg domain.BacktestConfig, provider DataProvider, progress ProgressFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dates := RebalanceDates(cfg.StartDate, cfg.EndDate, cfg.RebalanceFrequency)
	if len(dates) == 0 {
		return nil, fmt.Errorf("no rebalance dates in [%s, %s]",
			cfg.StartDate.Format("2006-01-02"), cfg.EndDate.Format("2006-01-02"))
	}

	historyStart := cfg.StartDate.AddDate(0, 0, -cfg.Lookback())
	history, err := provider.Prices(ctx, historyStart, cfg.EndDate)
	if err != nil {
		return nil, fmt.Errorf("loading prices: %w", err)
	}

	run := &runState{
		id:         runID,
		cfg:        cfg,
		history:    history,
		ledger:     taxlots.NewLedger(cfg.LotMethod, e.taxes, e.log),
		cash:       cfg.InitialCapital,
		marketCaps: make(map[string]float64),
		progress:   progress,
		periods:    len(dates),
	}

	result := &Result{RunID: runID, Config: cfg}

	for i, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run %s cancelled: %w", runID, err)
		}
		run.periodIndex = i

		periodEnd := cfg.EndDate
		if i+1 < len(dates) {
			periodEnd = dates[i+1].AddDate(0, 0, -1)
		}

		period, err := e.rebalanceAndHold(ctx, run, provider, date, periodEnd)
		if err != nil {
			run.emit(StateFailed, date)
			return nil, fmt.Errorf("period starting %s: %w", date.Format("2006-01-02"), err)
		}
		result.Periods = append(result.Periods, *period)
		result.TotalTaxes += period.TaxesPaid
		result.TotalCosts += period.CostsPaid
	}

	result.Trades = run.trades
	result.FinalHoldings = run.ledger.Holdings()
	result.FinalCash = run.cash
	if len(result.Periods) > 0 {
		result.FinalValue = result.Periods[len(result.Periods)-1].EndValue
	}

	run.emit(StateCompleted, cfg.EndDate)
	e.log.Info().
		Str("run_id", runID).
		Int("periods", len(result.Periods)).
		Float64("final_value", result.FinalValue).
		Msg("Backtest completed")
	return result, nil
}

// runState is the mutable state of one run.
type runState struct {
	id          string
	cfg         domain.BacktestConfig
	history     domain.PriceHistory
	ledger      *taxlots.Ledger
	cash        float64
	trades      []domain.TradeRecord
	marketCaps  map[string]float64 // latest observed market cap per ticker
	progress    ProgressFunc
	periodIndex int
	periods     int
}

func (r *runState) emit(state State, asOf time.Time) {
	if r.progress == nil {
		return
	}
	r.progress(Progress{
		RunID:       r.id,
		State:       state,
		PeriodIndex: r.periodIndex,
		PeriodCount: r.periods,
		AsOf:        asOf,
		Value:       r.cash + r.positionsValue(asOf),
	})
}

func (r *runState) positionsValue(asOf time.Time) float64 {
	var total float64
	holdings := r.ledger.Holdings()
	for _, ticker := range holdings.Tickers() {
		if price, ok := r.history.CloseOn(ticker, asOf); ok {
			total += holdings[ticker] * price
		}
	}
	return total
}

// rebalanceAndHold runs one full cycle: construct, diff, settle, hold.
func (e *Engine) rebalanceAndHold(ctx context.Context, run *runState, provider DataProvider, date, periodEnd time.Time) (*PeriodResult, error) {
	run.emit(StateConstructing, date)

	candidates, err := provider.Candidates(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("loading candidates: %w", err)
	}
	for _, c := range candidates {
		run.marketCaps[c.Ticker] = c.MarketCap
	}

	// Names without a price today sit out this cycle.
	var skipped []string
	usable := candidates[:0:0]
	for _, c := range candidates {
		if _, ok := run.history.CloseOn(c.Ticker, date); ok {
			usable = append(usable, c)
		} else {
			skipped = append(skipped, c.Ticker)
		}
	}
	sort.Strings(skipped)
	if len(usable) == 0 {
		return nil, fmt.Errorf("no candidate has a price on %s: %w",
			date.Format("2006-01-02"), domain.ErrInsufficientData)
	}

	target, _, err := e.constructor.Build(usable, run.history, date, run.cfg)
	if err != nil {
		return nil, err
	}

	run.emit(StateDiffing, date)
	sells, buys := e.diff(run, target, date)

	run.emit(StateSettling, date)
	period := &PeriodResult{Start: date, End: periodEnd, Skipped: skipped}
	if err := e.settle(run, sells, buys, date, period); err != nil {
		return nil, err
	}

	run.emit(StateHolding, date)
	period.StartValue = run.cash + run.positionsValue(date)
	period.EndValue = run.cash + run.positionsValue(periodEnd)
	if period.StartValue > 0 {
		period.Return = period.EndValue/period.StartValue - 1.0
		notional := 0.0
		for _, t := range run.trades {
			if t.Date.Equal(date) {
				notional += t.Shares * t.Price
			}
		}
		period.Turnover = notional / 2.0 / period.StartValue
	}
	return period, nil
}

// diff turns target weights into trade instructions against current
// holdings. Sells come back before buys.
func (e *Engine) diff(run *runState, target domain.Portfolio, date time.Time) (sells, buys []domain.TradeInstruction) {
	total := run.cash + run.positionsValue(date)
	holdings := run.ledger.Holdings()

	// Sells: held names that shrank or left the target.
	for _, ticker := range holdings.Tickers() {
		price, ok := run.history.CloseOn(ticker, date)
		if !ok {
			continue // unpriced today, hold as-is
		}
		targetShares := target[ticker] * total / price
		if delta := holdings[ticker] - targetShares; delta > 1e-6 {
			sells = append(sells, domain.TradeInstruction{
				Ticker: ticker, Side: domain.SideSell, Shares: delta, ReferencePrice: price,
			})
		}
	}

	// Buys: target names above current position.
	for _, ticker := range target.Tickers() {
		price, ok := run.history.CloseOn(ticker, date)
		if !ok {
			continue
		}
		targetShares := target[ticker] * total / price
		if delta := targetShares - holdings[ticker]; delta > 1e-6 {
			buys = append(buys, domain.TradeInstruction{
				Ticker: ticker, Side: domain.SideBuy, Shares: delta, ReferencePrice: price,
			})
		}
	}
	return sells, buys
}

// settle executes one cycle's trades: rebalance sells, then harvest
// sells, then buys scaled to the cash actually available.
func (e *Engine) settle(run *runState, sells, buys []domain.TradeInstruction, date time.Time, period *PeriodResult) error {
	var cycleGains []taxlots.RealizedGain

	for _, s := range sells {
		gains, err := run.ledger.Sell(s.Ticker, s.Shares, s.ReferencePrice, date, nil)
		if err != nil {
			return fmt.Errorf("selling %s: %w", s.Ticker, err)
		}
		cycleGains = append(cycleGains, gains...)

		notional := s.Shares * s.ReferencePrice
		cost := e.tradeCost(run, s.Ticker, s.Shares, date) * notional
		run.cash += notional - cost
		period.CostsPaid += cost
		run.trades = append(run.trades, tradeRecord(date, s, cost, gains))
	}

	if run.cfg.HarvestEnabled {
		gains, err := e.harvest(run, buys, date, period)
		if err != nil {
			return err
		}
		cycleGains = append(cycleGains, gains...)
	}

	// Taxes on this cycle's realized gains come out of cash before any
	// buying power is computed.
	tax := run.ledger.TaxOn(cycleGains)
	if tax > 0 {
		run.cash -= tax
		period.TaxesPaid = tax
		e.attributeTax(run, date, tax, cycleGains)
	}
	if run.cash < -1e-6 {
		return fmt.Errorf("cash %.2f after taxes on %s: %w", run.cash, date.Format("2006-01-02"), domain.ErrNegativeCash)
	}

	return e.executeBuys(run, buys, date, period)
}

// harvest sells losing lots for names that are neither being bought this
// cycle (an immediate repurchase would wash the loss) nor already fully
// sold.
func (e *Engine) harvest(run *runState, buys []domain.TradeInstruction, date time.Time, period *PeriodResult) ([]taxlots.RealizedGain, error) {
	buying := make(map[string]bool, len(buys))
	for _, b := range buys {
		buying[b.Ticker] = true
	}

	prices := make(map[string]float64)
	holdings := run.ledger.Holdings()
	for _, ticker := range holdings.Tickers() {
		if buying[ticker] {
			continue
		}
		if price, ok := run.history.CloseOn(ticker, date); ok {
			prices[ticker] = price
		}
	}

	var out []taxlots.RealizedGain
	for _, c := range run.ledger.HarvestCandidates(prices, date, run.cfg.HarvestMinLoss) {
		gain, err := run.ledger.SellLot(c.Lot.ID, c.CurrentPrice, date)
		if err != nil {
			return nil, fmt.Errorf("harvesting lot %s: %w", c.Lot.ID, err)
		}
		out = append(out, gain)

		notional := gain.Shares * c.CurrentPrice
		cost := e.tradeCost(run, gain.Ticker, gain.Shares, date) * notional
		run.cash += notional - cost
		period.CostsPaid += cost
		run.trades = append(run.trades, domain.TradeRecord{
			Date: date, Ticker: gain.Ticker, Side: domain.SideSell,
			Shares: gain.Shares, Price: c.CurrentPrice,
			RealizedGain: gain.Gain, CostPaid: cost,
		})
	}
	return out, nil
}

// executeBuys deploys remaining cash into the buy list, scaling the
// whole list down proportionally when costs would overdraw it.
func (e *Engine) executeBuys(run *runState, buys []domain.TradeInstruction, date time.Time, period *PeriodResult) error {
	if len(buys) == 0 {
		return nil
	}

	var required float64
	costRates := make([]float64, len(buys))
	for i, b := range buys {
		costRates[i] = e.tradeCost(run, b.Ticker, b.Shares, date)
		required += b.Shares * b.ReferencePrice * (1 + costRates[i])
	}

	scale := 1.0
	if required > run.cash && required > 0 {
		scale = run.cash / required
	}
	if scale <= 0 {
		return nil
	}

	for i, b := range buys {
		shares := b.Shares * scale
		if shares <= 1e-9 {
			continue
		}
		notional := shares * b.ReferencePrice
		cost := notional * costRates[i]
		run.cash -= notional + cost
		period.CostsPaid += cost
		run.ledger.RecordBuy(b.Ticker, shares, b.ReferencePrice, date)
		run.trades = append(run.trades, domain.TradeRecord{
			Date: date, Ticker: b.Ticker, Side: domain.SideBuy,
			Shares: shares, Price: b.ReferencePrice, CostPaid: cost,
		})
	}

	if run.cash < -1e-6 {
		return fmt.Errorf("cash %.2f after buys on %s: %w", run.cash, date.Format("2006-01-02"), domain.ErrNegativeCash)
	}
	if run.cash < 0 {
		run.cash = 0 // rounding dust
	}
	return nil
}

// tradeCost returns the one-way cost fraction for a trade, using the
// trailing window of candles ending at the trade date.
func (e *Engine) tradeCost(run *runState, ticker string, shares float64, date time.Time) float64 {
	recent := run.history.Window(ticker, date.AddDate(0, 0, -60), date)
	// Unknown caps fall through to the most conservative tier.
	est := e.costs.EstimateTrade(ticker, shares, run.marketCaps[ticker], recent)
	return est.TotalCost
}

// attributeTax spreads the cycle's tax across its sell records,
// proportionally to each record's realized gain.
func (e *Engine) attributeTax(run *runState, date time.Time, tax float64, gains []taxlots.RealizedGain) {
	var taxableGain float64
	for _, g := range gains {
		if g.Gain > 0 {
			taxableGain += g.Gain
		}
	}
	if taxableGain <= 0 {
		return
	}
	for i := range run.trades {
		t := &run.trades[i]
		if !t.Date.Equal(date) || t.Side != domain.SideSell || t.RealizedGain <= 0 {
			continue
		}
		t.TaxPaid = tax * t.RealizedGain / taxableGain
	}
}

func tradeRecord(date time.Time, inst domain.TradeInstruction, cost float64, gains []taxlots.RealizedGain) domain.TradeRecord {
	var gain float64
	for _, g := range gains {
		gain += g.Gain
	}
	return domain.TradeRecord{
		Date:         date,
		Ticker:       inst.Ticker,
		Side:         inst.Side,
		Shares:       inst.Shares,
		Price:        inst.ReferencePrice,
		RealizedGain: gain,
		CostPaid:     cost,
	}
}
