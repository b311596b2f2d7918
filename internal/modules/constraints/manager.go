// Package constraints filters a ranked candidate list down to a
// diversified selection: sector caps, market-cap segment bounds, and
// beta limits, applied as a single greedy walk in ranking order.
package constraints

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
)

// Rejection explains why a candidate was passed over during the walk.
type Rejection struct {
	Ticker string `json:"ticker"`
	Reason string `json:"reason"`
}

// Result is the outcome of one constraint pass.
type Result struct {
	Selected   []domain.RankedEntry `json:"selected"`
	Rejections []Rejection          `json:"rejections"`
	Backfilled int                  `json:"backfilled"`
	Bypassed   bool                 `json:"bypassed"`
}

// Manager applies diversification constraints to candidate selections.
type Manager struct {
	cfg domain.RiskConstraintConfig
	log zerolog.Logger
}

// NewManager creates a constraint manager.
func NewManager(cfg domain.RiskConstraintConfig, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, log: log.With().Str("component", "constraints").Logger()}
}

// Apply selects up to size candidates from the ranked list. Candidates
// must be ordered best first. Small portfolios, below MinEnforceSize,
// bypass diversification entirely and take the top names. When the walk
// falls short of size and Backfill is set, remaining slots fill with the
// best-ranked rejects that at least pass the per-stock beta cap.
// Returns ErrConstraintInfeasible when nothing can be selected.
func (m *Manager) Apply(candidates []domain.RankedEntry, size int) (*Result, error) {
	if size <= 0 || len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates for size %d: %w", size, domain.ErrConstraintInfeasible)
	}

	if size < m.cfg.MinEnforceSize {
		n := size
		if n > len(candidates) {
			n = len(candidates)
		}
		m.log.Debug().Int("size", size).Msg("Portfolio below enforcement size, constraints bypassed")
		return &Result{Selected: append([]domain.RankedEntry{}, candidates[:n]...), Bypassed: true}, nil
	}

	res := &Result{}
	sectorCounts := make(map[string]int)
	segmentCounts := make(map[domain.MarketCapSegment]int)
	var betaSum float64
	var rejected []domain.RankedEntry

	for _, c := range candidates {
		if len(res.Selected) >= size {
			break
		}
		if reason := m.admissible(c, len(res.Selected), sectorCounts, segmentCounts, betaSum, size); reason != "" {
			res.Rejections = append(res.Rejections, Rejection{Ticker: c.Ticker, Reason: reason})
			rejected = append(rejected, c)
			continue
		}
		res.Selected = append(res.Selected, c)
		sectorCounts[c.Sector]++
		segmentCounts[domain.Segment(c.MarketCap)]++
		betaSum += c.Beta
	}

	if len(res.Selected) < size && m.cfg.Backfill {
		// Relax diversification for the unfilled slots, readmitting the
		// best-ranked rejects. The per-stock beta cap stays hard.
		for _, c := range rejected {
			if len(res.Selected) >= size {
				break
			}
			if m.cfg.MaxStockBeta > 0 && c.Beta > m.cfg.MaxStockBeta {
				continue
			}
			res.Selected = append(res.Selected, c)
			res.Backfilled++
		}
	}

	if len(res.Selected) == 0 {
		return nil, fmt.Errorf("every candidate rejected: %w", domain.ErrConstraintInfeasible)
	}

	m.log.Debug().
		Int("selected", len(res.Selected)).
		Int("rejected", len(res.Rejections)).
		Int("backfilled", res.Backfilled).
		Msg("Constraint walk complete")
	return res, nil
}

// admissible returns the rejection reason, or "" when the candidate fits.
func (m *Manager) admissible(
	c domain.RankedEntry,
	selected int,
	sectorCounts map[string]int,
	segmentCounts map[domain.MarketCapSegment]int,
	betaSum float64,
	size int,
) string {
	if m.cfg.MaxStockBeta > 0 && c.Beta > m.cfg.MaxStockBeta {
		return fmt.Sprintf("beta %.2f above stock cap %.2f", c.Beta, m.cfg.MaxStockBeta)
	}

	sectorCap := m.cfg.DefaultSectorCap
	if override, ok := m.cfg.SectorCaps[c.Sector]; ok {
		sectorCap = override
	}
	if maxNames := int(math.Floor(sectorCap * float64(size))); maxNames > 0 && sectorCounts[c.Sector] >= maxNames {
		return fmt.Sprintf("sector %s at cap %.0f%%", c.Sector, sectorCap*100)
	}

	segment := domain.Segment(c.MarketCap)
	if bounds, ok := m.cfg.SegmentBounds[segment]; ok {
		if maxNames := int(math.Floor(bounds.Max * float64(size))); segmentCounts[segment] >= maxNames {
			return fmt.Sprintf("segment %s at cap %.0f%%", segment, bounds.Max*100)
		}
	}

	if m.cfg.MaxPortfolioBeta > 0 {
		projected := (betaSum + c.Beta) / float64(selected+1)
		// Only enforce the average once a few names are in, a single
		// high-beta first pick is not a portfolio tilt.
		if selected >= 3 && projected > m.cfg.MaxPortfolioBeta {
			return fmt.Sprintf("portfolio beta %.2f above cap %.2f", projected, m.cfg.MaxPortfolioBeta)
		}
	}

	return ""
}
