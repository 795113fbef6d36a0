package s3archive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// Config holds S3 report archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
}

// LoadConfig loads S3 configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          env.GetEnv("S3_REPORT_PREFIX", "backfill-reports"),
	}

	if config.AccessKeyID == "" {
		return nil, errors.New("S3_ACCESS_KEY_ID is required for report archiving")
	}
	if config.SecretAccessKey == "" {
		return nil, errors.New("S3_SECRET_ACCESS_KEY is required for report archiving")
	}
	if config.BucketName == "" {
		return nil, errors.New("S3_BUCKET_NAME is required for report archiving")
	}
	return config, nil
}

// ReportKey returns prefix/kind/YYYY/MM/<kind>-<mode>-<timestamp>.json
func (c *Config) ReportKey(kind, mode string, at time.Time) string {
	at = at.UTC()
	key := fmt.Sprintf("%s/%04d/%02d/%s-%s-%s.json", kind, at.Year(), int(at.Month()), kind, mode, at.Format("20060102T150405Z"))
	if prefix := strings.Trim(c.Prefix, "/"); prefix != "" {
		return prefix + "/" + key
	}
	return key
}
