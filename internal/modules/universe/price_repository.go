package universe

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/database"
	"github.com/aristath/backtester/internal/domain"
)

// PriceRepository handles daily candle database operations.
type PriceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPriceRepository creates a price repository.
func NewPriceRepository(db *sql.DB, log zerolog.Logger) *PriceRepository {
	return &PriceRepository{db: db, log: log.With().Str("repo", "price").Logger()}
}

// Save upserts candles for one ticker.
func (r *PriceRepository) Save(ctx context.Context, ticker string, candles []domain.Candle) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO prices (ticker, date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ticker, date) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume`)
		if err != nil {
			return fmt.Errorf("failed to prepare candle upsert: %w", err)
		}
		defer stmt.Close()

		for _, c := range candles {
			if _, err := stmt.ExecContext(ctx, ticker, c.Date.Format(dateLayout),
				c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
				return fmt.Errorf("failed to upsert candle %s %s: %w",
					ticker, c.Date.Format(dateLayout), err)
			}
		}
		return nil
	})
}

// History loads candles for every ticker in [start, end], ascending by
// date. Tickers without rows are simply absent from the result.
func (r *PriceRepository) History(ctx context.Context, start, end time.Time) (domain.PriceHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ticker, date, open, high, low, close, volume
		FROM prices
		WHERE date >= ? AND date <= ?
		ORDER BY ticker ASC, date ASC`,
		start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	history := make(domain.PriceHistory)
	for rows.Next() {
		var ticker, day string
		var c domain.Candle
		if err := rows.Scan(&ticker, &day, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Date, err = time.Parse(dateLayout, day)
		if err != nil {
			return nil, fmt.Errorf("malformed candle date %q: %w", day, err)
		}
		history[ticker] = append(history[ticker], c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}
	return history, nil
}

// Tickers returns the distinct tickers with any price data.
func (r *PriceRepository) Tickers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT ticker FROM prices ORDER BY ticker ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}
