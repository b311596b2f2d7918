package export

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/modules/backtest"
	"github.com/aristath/backtester/pkg/logger"
)

type fakeUploader struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = *input.Bucket
	f.key = *input.Key
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &manager.UploadOutput{}, nil
}

func TestArchive_UploadsResultDocument(t *testing.T) {
	uploader := &fakeUploader{}
	a := NewArchiver(uploader, "reports-bucket", "backtests", logger.Nop())

	result := &backtest.Result{RunID: "run-xyz", FinalValue: 123_456}
	key, err := a.Archive(context.Background(), result, nil)
	require.NoError(t, err)

	assert.Equal(t, "backtests/runs/run-xyz.json", key)
	assert.Equal(t, "reports-bucket", uploader.bucket)
	assert.Equal(t, key, uploader.key)

	var doc archiveDoc
	require.NoError(t, json.Unmarshal(uploader.body, &doc))
	require.NotNil(t, doc.Result)
	assert.Equal(t, "run-xyz", doc.Result.RunID)
	assert.False(t, doc.ArchivedAt.IsZero())
}

func TestArchive_NilResult(t *testing.T) {
	a := NewArchiver(&fakeUploader{}, "bucket", "", logger.Nop())
	_, err := a.Archive(context.Background(), nil, nil)
	assert.Error(t, err)
}
