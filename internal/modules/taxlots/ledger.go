// Package taxlots tracks share lots per ticker and computes realized
// gains, taxes, and loss-harvesting candidates. Lot selection supports
// FIFO, LIFO, HIFO, and caller-specified lot IDs.
package taxlots

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
)

// LongTermHoldingDays is the holding period boundary. A lot held for
// strictly more than this many days realizes long-term gains.
const LongTermHoldingDays = 365

// WashSaleWindowDays is the repurchase window, in days, on either side
// of a loss sale that flags the loss as a wash sale.
const WashSaleWindowDays = 30

// Lot is an open tax lot: shares acquired at one price on one date.
type Lot struct {
	ID         string    `json:"id"`
	Ticker     string    `json:"ticker"`
	Shares     float64   `json:"shares"`
	CostBasis  float64   `json:"cost_basis"` // per share
	AcquiredAt time.Time `json:"acquired_at"`
}

// RealizedGain records the disposal of all or part of one lot.
type RealizedGain struct {
	LotID     string    `json:"lot_id"`
	Ticker    string    `json:"ticker"`
	Shares    float64   `json:"shares"`
	Proceeds  float64   `json:"proceeds"`
	CostBasis float64   `json:"cost_basis"` // total for the sold shares
	Gain      float64   `json:"gain"`
	LongTerm  bool      `json:"long_term"`
	WashSale  bool      `json:"wash_sale"`
	SoldAt    time.Time `json:"sold_at"`
}

// Ledger holds open lots and the realized gain history for one account.
// Not safe for concurrent use; each backtest run owns its own ledger.
type Ledger struct {
	method   domain.LotMethod
	taxes    domain.TaxProfile
	lots     map[string][]*Lot
	realized []RealizedGain
	log      zerolog.Logger
}

// NewLedger creates an empty ledger using the given lot selection method.
func NewLedger(method domain.LotMethod, taxes domain.TaxProfile, log zerolog.Logger) *Ledger {
	return &Ledger{
		method: method,
		taxes:  taxes,
		lots:   make(map[string][]*Lot),
		log:    log.With().Str("component", "taxlots").Logger(),
	}
}

// RecordBuy opens a new lot. If the ticker realized a loss within the
// wash-sale window before this purchase, that loss is flagged.
func (l *Ledger) RecordBuy(ticker string, shares, price float64, date time.Time) *Lot {
	lot := &Lot{
		ID:         uuid.New().String(),
		Ticker:     ticker,
		Shares:     shares,
		CostBasis:  price,
		AcquiredAt: date,
	}
	l.lots[ticker] = append(l.lots[ticker], lot)

	// A repurchase within the window retroactively washes earlier losses.
	for i := range l.realized {
		r := &l.realized[i]
		if r.Ticker != ticker || r.Gain >= 0 || r.WashSale {
			continue
		}
		if withinWashWindow(r.SoldAt, date) {
			r.WashSale = true
			l.log.Debug().
				Str("ticker", ticker).
				Time("sold_at", r.SoldAt).
				Time("rebought_at", date).
				Msg("Loss flagged as wash sale on repurchase")
		}
	}

	return lot
}

// Sell disposes of shares using the ledger's lot method. For
// MethodSpecificID the caller supplies lotIDs, consumed in order.
// Returns one RealizedGain per lot touched.
func (l *Ledger) Sell(ticker string, shares, price float64, date time.Time, lotIDs []string) ([]RealizedGain, error) {
	if shares <= 0 {
		return nil, fmt.Errorf("sell %s: shares must be positive, got %f", ticker, shares)
	}
	held := l.SharesHeld(ticker)
	if shares > held+1e-9 {
		return nil, fmt.Errorf("sell %s: %f shares requested, %f held: %w",
			ticker, shares, held, domain.ErrLotNotFound)
	}

	selected, err := l.selectLots(ticker, lotIDs)
	if err != nil {
		return nil, err
	}

	var gains []RealizedGain
	remaining := shares
	for _, lot := range selected {
		if remaining <= 1e-9 {
			break
		}
		take := lot.Shares
		if take > remaining {
			take = remaining
		}
		gains = append(gains, l.realize(lot, take, price, date))
		lot.Shares -= take
		remaining -= take
	}
	if remaining > 1e-9 {
		return nil, fmt.Errorf("sell %s: selected lots cover only %f of %f shares: %w",
			ticker, shares-remaining, shares, domain.ErrLotNotFound)
	}

	l.compact(ticker)
	l.realized = append(l.realized, gains...)
	return gains, nil
}

// SellLot disposes of one entire lot by ID, regardless of the configured
// selection method. Loss harvesting targets specific lots this way.
func (l *Ledger) SellLot(lotID string, price float64, date time.Time) (RealizedGain, error) {
	for ticker, lots := range l.lots {
		for _, lot := range lots {
			if lot.ID != lotID {
				continue
			}
			gain := l.realize(lot, lot.Shares, price, date)
			lot.Shares = 0
			l.compact(ticker)
			l.realized = append(l.realized, gain)
			return gain, nil
		}
	}
	return RealizedGain{}, fmt.Errorf("lot %s: %w", lotID, domain.ErrLotNotFound)
}

// realize computes the gain record for taking `take` shares out of `lot`.
func (l *Ledger) realize(lot *Lot, take, price float64, date time.Time) RealizedGain {
	proceeds := take * price
	basis := take * lot.CostBasis
	gain := proceeds - basis

	r := RealizedGain{
		LotID:     lot.ID,
		Ticker:    lot.Ticker,
		Shares:    take,
		Proceeds:  proceeds,
		CostBasis: basis,
		Gain:      gain,
		LongTerm:  date.Sub(lot.AcquiredAt) > LongTermHoldingDays*24*time.Hour,
		SoldAt:    date,
	}

	// A loss is a wash sale when a replacement lot was bought inside the
	// window before the sale. Later repurchases flag it in RecordBuy.
	if gain < 0 {
		for _, other := range l.lots[lot.Ticker] {
			if other.ID != lot.ID && withinWashWindow(date, other.AcquiredAt) {
				r.WashSale = true
				break
			}
		}
	}
	return r
}

// selectLots orders the open lots for disposal per the ledger's method.
func (l *Ledger) selectLots(ticker string, lotIDs []string) ([]*Lot, error) {
	open := l.lots[ticker]

	if l.method == domain.LotSpecificID {
		byID := make(map[string]*Lot, len(open))
		for _, lot := range open {
			byID[lot.ID] = lot
		}
		selected := make([]*Lot, 0, len(lotIDs))
		for _, id := range lotIDs {
			lot, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("lot %s of %s: %w", id, ticker, domain.ErrLotNotFound)
			}
			selected = append(selected, lot)
		}
		return selected, nil
	}

	selected := make([]*Lot, len(open))
	copy(selected, open)
	switch l.method {
	case domain.LotLIFO:
		sort.SliceStable(selected, func(i, j int) bool {
			return selected[i].AcquiredAt.After(selected[j].AcquiredAt)
		})
	case domain.LotHIFO:
		sort.SliceStable(selected, func(i, j int) bool {
			return selected[i].CostBasis > selected[j].CostBasis
		})
	default: // FIFO
		sort.SliceStable(selected, func(i, j int) bool {
			return selected[i].AcquiredAt.Before(selected[j].AcquiredAt)
		})
	}
	return selected, nil
}

// compact drops exhausted lots for a ticker.
func (l *Ledger) compact(ticker string) {
	open := l.lots[ticker][:0]
	for _, lot := range l.lots[ticker] {
		if lot.Shares > 1e-9 {
			open = append(open, lot)
		}
	}
	if len(open) == 0 {
		delete(l.lots, ticker)
		return
	}
	l.lots[ticker] = open
}

// SharesHeld returns total open shares for a ticker.
func (l *Ledger) SharesHeld(ticker string) float64 {
	var total float64
	for _, lot := range l.lots[ticker] {
		total += lot.Shares
	}
	return total
}

// Holdings returns open shares per ticker.
func (l *Ledger) Holdings() domain.Holdings {
	h := make(domain.Holdings, len(l.lots))
	for ticker := range l.lots {
		h[ticker] = l.SharesHeld(ticker)
	}
	return h
}

// Lots returns copies of the open lots for a ticker, oldest first.
func (l *Ledger) Lots(ticker string) []Lot {
	open := l.lots[ticker]
	out := make([]Lot, len(open))
	for i, lot := range open {
		out[i] = *lot
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}

// Realized returns the full realized gain history in sale order.
func (l *Ledger) Realized() []RealizedGain {
	out := make([]RealizedGain, len(l.realized))
	copy(out, l.realized)
	return out
}

// TaxOn computes tax due on a set of realized gains. Short and long
// buckets are netted separately, excess losses in one bucket offset
// gains in the other, and wash-sale losses are excluded throughout.
func (l *Ledger) TaxOn(gains []RealizedGain) float64 {
	var shortNet, longNet float64
	for _, g := range gains {
		if g.Gain < 0 && g.WashSale {
			continue
		}
		if g.LongTerm {
			longNet += g.Gain
		} else {
			shortNet += g.Gain
		}
	}

	// Cross-bucket offset of excess losses.
	if shortNet < 0 && longNet > 0 {
		offset := min(-shortNet, longNet)
		shortNet += offset
		longNet -= offset
	} else if longNet < 0 && shortNet > 0 {
		offset := min(-longNet, shortNet)
		longNet += offset
		shortNet -= offset
	}

	var tax float64
	if shortNet > 0 {
		tax += shortNet * l.taxes.EffectiveShortTermRate()
	}
	if longNet > 0 {
		tax += longNet * l.taxes.EffectiveLongTermRate()
	}
	return tax
}

func withinWashWindow(a, b time.Time) bool {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d <= WashSaleWindowDays*24*time.Hour
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
