package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
)

// SnapshotFile is the on-disk drop format for screen exports. Files are
// placed in the snapshot directory by the upstream screening pipeline
// and imported by the refresh job.
type SnapshotFile struct {
	EvaluationDate string                     `json:"evaluation_date"` // YYYY-MM-DD
	Entries        []domain.RankedEntry       `json:"entries"`
	Prices         map[string][]domain.Candle `json:"prices,omitempty"`
}

// RefreshJob imports snapshot drop files into the universe database.
// Dates already present are skipped, so the job is safe to run on a
// schedule.
type RefreshJob struct {
	dir       string
	snapshots *SnapshotRepository
	prices    *PriceRepository
	log       zerolog.Logger
}

// NewRefreshJob creates a refresh job watching dir.
func NewRefreshJob(dir string, snapshots *SnapshotRepository, prices *PriceRepository, log zerolog.Logger) *RefreshJob {
	return &RefreshJob{
		dir:       dir,
		snapshots: snapshots,
		prices:    prices,
		log:       log.With().Str("job", "snapshot_refresh").Logger(),
	}
}

// Name implements scheduler.Job.
func (j *RefreshJob) Name() string { return "snapshot_refresh" }

// Run implements scheduler.Job.
func (j *RefreshJob) Run() error {
	ctx := context.Background()

	files, err := filepath.Glob(filepath.Join(j.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to scan snapshot directory %s: %w", j.dir, err)
	}
	sort.Strings(files)

	existing, err := j.snapshots.Dates(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, d := range existing {
		have[d.Format(dateLayout)] = true
	}

	imported := 0
	for _, file := range files {
		date, err := j.importFile(ctx, file, have)
		if err != nil {
			j.log.Error().Err(err).Str("file", file).Msg("Snapshot import failed")
			continue
		}
		if date != "" {
			imported++
		}
	}

	if imported > 0 {
		j.log.Info().Int("imported", imported).Msg("Snapshot refresh complete")
	}
	return nil
}

// importFile loads one drop file. Returns the imported date, or "" when
// the file was skipped.
func (j *RefreshJob) importFile(ctx context.Context, file string, have map[string]bool) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read: %w", err)
	}

	var snapshot SnapshotFile
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return "", fmt.Errorf("failed to parse: %w", err)
	}

	date, err := time.Parse(dateLayout, snapshot.EvaluationDate)
	if err != nil {
		return "", fmt.Errorf("bad evaluation_date %q: %w", snapshot.EvaluationDate, err)
	}
	if have[snapshot.EvaluationDate] {
		return "", nil
	}
	if len(snapshot.Entries) == 0 {
		return "", fmt.Errorf("no entries")
	}

	if err := j.snapshots.Save(ctx, date, snapshot.Entries); err != nil {
		return "", err
	}
	for _, ticker := range sortedKeys(snapshot.Prices) {
		if err := j.prices.Save(ctx, ticker, snapshot.Prices[ticker]); err != nil {
			return "", err
		}
	}

	have[snapshot.EvaluationDate] = true
	j.log.Debug().Str("date", snapshot.EvaluationDate).Int("entries", len(snapshot.Entries)).Msg("Snapshot imported")
	return snapshot.EvaluationDate, nil
}

func sortedKeys(m map[string][]domain.Candle) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
