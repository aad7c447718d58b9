package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/rangekeeper/internal/platform/env"
)

// Config addresses the bucket that receives execution reports. An empty
// Endpoint disables the report archive.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketReports string
	// ReportRetentionDays expires archived reports; zero keeps them forever.
	ReportRetentionDays int
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	retentionDays, err := env.Int("MINIO_REPORT_RETENTION_DAYS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("MINIO_ENDPOINT", ""),
		AccessKey:     env.String("MINIO_ACCESS_KEY", ""),
		SecretKey:     env.String("MINIO_SECRET_KEY", ""),
		Region:        env.String("MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketReports: env.String("MINIO_BUCKET_REPORTS", "rangekeeper-reports"),

		ReportRetentionDays: retentionDays,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	switch {
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	case strings.TrimSpace(c.AccessKey) == "":
		return errors.New("access key is required")
	case strings.TrimSpace(c.SecretKey) == "":
		return errors.New("secret key is required")
	case strings.TrimSpace(c.Region) == "":
		return errors.New("region is required")
	case strings.TrimSpace(c.BucketReports) == "":
		return errors.New("reports bucket is required")
	case c.ReportRetentionDays < 0:
		return errors.New("MINIO_REPORT_RETENTION_DAYS must be >= 0")
	}
	return nil
}
