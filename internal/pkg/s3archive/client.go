// Package s3archive uploads backfill reports to an S3 compatible bucket.
package s3archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client wraps the S3 client for report uploads
type Client struct {
	s3Client objectPutter
	config   *Config
}

// NewClient creates a new S3 archive client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible services (MinIO, B2) need path-style URLs
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})
	return &Client{s3Client: s3Client, config: cfg}, nil
}

// UploadResult contains the result of a successful upload
type UploadResult struct {
	BucketName string
	ObjectKey  string
	Size       int64
}

// UploadJSON stores body under objectKey as application/json.
func (c *Client) UploadJSON(ctx context.Context, objectKey string, body []byte) (*UploadResult, error) {
	bucketName := c.config.BucketName
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucketName),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"upload-source": "payfox-backfill",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Infof("[S3Archive] Uploaded report: s3://%s/%s (%d bytes)", bucketName, objectKey, len(body))
	return &UploadResult{BucketName: bucketName, ObjectKey: objectKey, Size: int64(len(body))}, nil
}

// Config returns the archive configuration
func (c *Client) Config() *Config {
	return c.config
}
