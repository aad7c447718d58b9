// Package reports archives the terminal summary of each execution.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/minio/minio-go/v7"
)

// ObjectPutter is the subset of *minio.Client the store writes through.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type MinioStore struct {
	client ObjectPutter
	bucket string
}

func NewMinioStore(client ObjectPutter, bucket string) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("object client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Key lays reports out by the month the execution finished.
func Key(report domain.Report) string {
	finished := report.FinishedAt.UTC()
	return fmt.Sprintf("reports/%04d/%02d/%s.json", finished.Year(), int(finished.Month()), report.ExecutionID)
}

// StoreReport overwrites any earlier object for the same execution.
func (s *MinioStore) StoreReport(ctx context.Context, report domain.Report) error {
	if strings.TrimSpace(report.ExecutionID) == "" {
		return domain.Validationf("report execution_id is required")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, Key(report), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"execution-id": report.ExecutionID,
			"status":       string(report.Status),
		},
	})
	if err != nil {
		return &domain.TransientError{Op: "put report", Err: err}
	}
	return nil
}

// LogStore writes reports to the log when no object store is configured.
type LogStore struct {
	logger *slog.Logger
}

func NewLogStore(logger *slog.Logger) *LogStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogStore{logger: logger}
}

func (s *LogStore) StoreReport(ctx context.Context, report domain.Report) error {
	attrs := []any{
		"execution_id", report.ExecutionID,
		"workload", report.WorkloadName,
		"status", report.Status,
		"resources_deleted", report.ResourcesDeleted,
		"resources_remaining", report.ResourcesRemaining,
		"credential_revoked", report.CredentialRevoked,
		"transitions", len(report.History),
	}
	if report.Error != nil {
		attrs = append(attrs, "error_code", report.Error.Code, "error", report.Error.Message)
	}
	s.logger.InfoContext(ctx, "execution report", attrs...)
	return nil
}
