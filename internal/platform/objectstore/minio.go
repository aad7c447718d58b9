package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("object store endpoint is not configured")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// BucketClient is the subset of *minio.Client used for bucket bootstrap.
type BucketClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	SetBucketLifecycle(ctx context.Context, bucket string, config *lifecycle.Configuration) error
}

// EnsureBucket creates the reports bucket when missing and applies the
// retention rule when ReportRetentionDays is set.
func EnsureBucket(ctx context.Context, client BucketClient, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketReports)
	if err != nil {
		return fmt.Errorf("reports bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketReports, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return fmt.Errorf("make reports bucket: %w", err)
		}
	}
	if cfg.ReportRetentionDays == 0 {
		return nil
	}
	if err := client.SetBucketLifecycle(ctx, cfg.BucketReports, reportRetention(cfg.ReportRetentionDays)); err != nil {
		return fmt.Errorf("set reports retention: %w", err)
	}
	return nil
}

func reportRetention(days int) *lifecycle.Configuration {
	config := lifecycle.NewConfiguration()
	config.Rules = []lifecycle.Rule{{
		ID:         "expire-execution-reports",
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: "reports/"},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
	}}
	return config
}

// CheckBucket backs the readiness probe.
func CheckBucket(ctx context.Context, client BucketClient, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketReports)
	if err != nil {
		return fmt.Errorf("reports bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("reports bucket missing: %s", cfg.BucketReports)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
