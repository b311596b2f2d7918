package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ResultsSchema holds the results database tables.
const ResultsSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    created_at  TEXT NOT NULL,
    scheme      TEXT NOT NULL,
    start_date  TEXT NOT NULL,
    end_date    TEXT NOT NULL,
    final_value REAL NOT NULL,
    total_taxes REAL NOT NULL,
    total_costs REAL NOT NULL,
    periods     INTEGER NOT NULL,
    result      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`

// RunSummary is the listing row for a stored run.
type RunSummary struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Scheme     string    `json:"scheme"`
	StartDate  string    `json:"start_date"`
	EndDate    string    `json:"end_date"`
	FinalValue float64   `json:"final_value"`
	TotalTaxes float64   `json:"total_taxes"`
	TotalCosts float64   `json:"total_costs"`
	Periods    int       `json:"periods"`
}

// ResultRepository persists completed runs. The full result is stored as
// a JSON document next to the queryable summary columns.
type ResultRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewResultRepository creates a result repository.
func NewResultRepository(db *sql.DB, log zerolog.Logger) *ResultRepository {
	return &ResultRepository{db: db, log: log.With().Str("repo", "results").Logger()}
}

// SaveResult stores one completed run. Implements ResultSink.
func (r *ResultRepository) SaveResult(ctx context.Context, result *Result) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", result.RunID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, created_at, scheme, start_date, end_date, final_value,
			 total_taxes, total_costs, periods, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID,
		time.Now().UTC().Format(time.RFC3339),
		string(result.Config.Scheme),
		result.Config.StartDate.Format("2006-01-02"),
		result.Config.EndDate.Format("2006-01-02"),
		result.FinalValue,
		result.TotalTaxes,
		result.TotalCosts,
		len(result.Periods),
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", result.RunID, err)
	}

	r.log.Info().Str("run_id", result.RunID).Msg("Run result persisted")
	return nil
}

// Get loads one stored result by run ID.
func (r *ResultRepository) Get(ctx context.Context, id string) (*Result, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}

	var result Result
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &result, nil
}

// List returns stored run summaries, newest first.
func (r *ResultRepository) List(ctx context.Context) ([]RunSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, created_at, scheme, start_date, end_date, final_value,
			total_taxes, total_costs, periods
		FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var created string
		if err := rows.Scan(&s.ID, &created, &s.Scheme, &s.StartDate, &s.EndDate,
			&s.FinalValue, &s.TotalTaxes, &s.TotalCosts, &s.Periods); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		s.CreatedAt, err = time.Parse(time.RFC3339, created)
		if err != nil {
			return nil, fmt.Errorf("malformed run timestamp %q: %w", created, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
