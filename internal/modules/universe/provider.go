package universe

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
)

// Provider feeds the backtest engine from the universe repositories,
// with an optional on-disk cache in front of the price table.
type Provider struct {
	snapshots *SnapshotRepository
	prices    *PriceRepository
	cache     *PriceCache // optional
	log       zerolog.Logger
}

// NewProvider creates a data provider. cache may be nil.
func NewProvider(snapshots *SnapshotRepository, prices *PriceRepository, cache *PriceCache, log zerolog.Logger) *Provider {
	return &Provider{
		snapshots: snapshots,
		prices:    prices,
		cache:     cache,
		log:       log.With().Str("component", "universe").Logger(),
	}
}

// Candidates returns the ranked screen effective on the given date.
func (p *Provider) Candidates(ctx context.Context, asOf time.Time) ([]domain.RankedEntry, error) {
	return p.snapshots.On(ctx, asOf)
}

// Prices loads the candle history for a span, via the cache when warm.
func (p *Provider) Prices(ctx context.Context, start, end time.Time) (domain.PriceHistory, error) {
	if p.cache != nil {
		if history, ok := p.cache.Load(start, end); ok {
			p.log.Debug().Time("start", start).Time("end", end).Msg("Price cache hit")
			return history, nil
		}
	}

	history, err := p.prices.History(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Store(start, end, history)
	}
	return history, nil
}
