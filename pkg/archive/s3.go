// Package archive is the optional cold-storage sink a session export can
// push to, writing whole JSON or CSV exports to S3 via aws-sdk-go-v2.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/firecrew/telemetry/internal/svrconfig"
)

// S3Archiver implements restapi.Archiver by putting the export body
// straight to an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

func NewS3Archiver(ctx context.Context, cfg svrconfig.S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: empty bucket name")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}

	client := s3.NewFromConfig(awsCfg, opts)
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

// Archive puts body at key in the configured bucket, content-typed from
// the export format in key: text/csv for a ".csv" key, application/json
// otherwise.
func (a *S3Archiver) Archive(ctx context.Context, key string, body []byte) error {
	contentType := "application/json"
	if len(key) >= 4 && key[len(key)-4:] == ".csv" {
		contentType = "text/csv"
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive: put object %q: %w", key, err)
	}
	return nil
}
