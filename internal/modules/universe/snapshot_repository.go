// Package universe stores the screen's ranked snapshots and daily price
// history, and serves them to the backtest engine.
package universe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/database"
	"github.com/aristath/backtester/internal/domain"
)

const dateLayout = "2006-01-02"

// SnapshotRepository handles ranked snapshot database operations.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a snapshot repository.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{db: db, log: log.With().Str("repo", "snapshot").Logger()}
}

// Save replaces the snapshot for an evaluation date.
func (r *SnapshotRepository) Save(ctx context.Context, date time.Time, entries []domain.RankedEntry) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		day := date.Format(dateLayout)
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE evaluation_date = ?`, day); err != nil {
			return fmt.Errorf("failed to clear snapshot for %s: %w", day, err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO snapshots (evaluation_date, ticker, name, sector, market_cap,
				beta, ranking_score, earnings_yield, return_on_capital, quality_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare snapshot insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, day, e.Ticker, e.Name, e.Sector, e.MarketCap,
				e.Beta, e.RankingScore, e.EarningsYield, e.ReturnOnCapital, e.QualityScore); err != nil {
				return fmt.Errorf("failed to insert snapshot row for %s: %w", e.Ticker, err)
			}
		}
		return nil
	})
}

// On returns the ranked entries of the most recent snapshot at or before
// the given date, best ranking score first.
func (r *SnapshotRepository) On(ctx context.Context, date time.Time) ([]domain.RankedEntry, error) {
	var day string
	err := r.db.QueryRowContext(ctx, `
		SELECT evaluation_date FROM snapshots
		WHERE evaluation_date <= ?
		ORDER BY evaluation_date DESC LIMIT 1`,
		date.Format(dateLayout),
	).Scan(&day)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no snapshot at or before %s: %w",
			date.Format(dateLayout), domain.ErrInsufficientData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate snapshot: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT ticker, name, sector, market_cap, beta, ranking_score,
			earnings_yield, return_on_capital, quality_score
		FROM snapshots
		WHERE evaluation_date = ?
		ORDER BY ranking_score DESC, ticker ASC`, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot %s: %w", day, err)
	}
	defer rows.Close()

	var entries []domain.RankedEntry
	for rows.Next() {
		var e domain.RankedEntry
		if err := rows.Scan(&e.Ticker, &e.Name, &e.Sector, &e.MarketCap, &e.Beta,
			&e.RankingScore, &e.EarningsYield, &e.ReturnOnCapital, &e.QualityScore); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return entries, nil
}

// Dates returns all evaluation dates, ascending.
func (r *SnapshotRepository) Dates(ctx context.Context) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT evaluation_date FROM snapshots ORDER BY evaluation_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot date: %w", err)
		}
		parsed, err := time.Parse(dateLayout, day)
		if err != nil {
			return nil, fmt.Errorf("malformed snapshot date %q: %w", day, err)
		}
		dates = append(dates, parsed)
	}
	return dates, rows.Err()
}
