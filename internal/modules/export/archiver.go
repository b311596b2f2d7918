// Package export ships finished run reports to object storage so they
// outlive the local results database.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/modules/analysis"
	"github.com/aristath/backtester/internal/modules/backtest"
)

// Uploader is the subset of the S3 upload manager the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver uploads run results and their reports as JSON documents.
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewArchiver creates an archiver over an existing uploader.
func NewArchiver(uploader Uploader, bucket, prefix string, log zerolog.Logger) *Archiver {
	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		log:      log.With().Str("component", "export").Logger(),
	}
}

// NewArchiverFromEnv builds an archiver using the default AWS credential
// chain.
func NewArchiverFromEnv(ctx context.Context, region, bucket, prefix string, log zerolog.Logger) (*Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewArchiver(manager.NewUploader(client), bucket, prefix, log), nil
}

// archiveDoc is the uploaded document: the raw result plus its report.
type archiveDoc struct {
	ArchivedAt time.Time        `json:"archived_at"`
	Result     *backtest.Result `json:"result"`
	Report     *analysis.Report `json:"report,omitempty"`
}

// Archive uploads one run. The report may be nil.
func (a *Archiver) Archive(ctx context.Context, result *backtest.Result, report *analysis.Report) (string, error) {
	if result == nil {
		return "", fmt.Errorf("nil result")
	}

	doc, err := json.MarshalIndent(archiveDoc{
		ArchivedAt: time.Now().UTC(),
		Result:     result,
		Report:     report,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode archive for run %s: %w", result.RunID, err)
	}

	key := a.key(result.RunID)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run %s to s3://%s/%s: %w", result.RunID, a.bucket, key, err)
	}

	a.log.Info().Str("run_id", result.RunID).Str("key", key).Msg("Run archived")
	return key, nil
}

func (a *Archiver) key(runID string) string {
	return path.Join(a.prefix, "runs", runID+".json")
}
