package archive

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 archives pages to an Amazon S3 bucket.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 builds an S3 archiver. Config keys: bucket_name (required),
// region (required), key_prefix (optional). Credentials come from the
// default AWS chain (env vars, shared credentials file, IAM role).
func NewS3(ctx context.Context, config map[string]interface{}) (*S3, error) {
	bucket, ok := config["bucket_name"].(string)
	if !ok || bucket == "" {
		return nil, fmt.Errorf("bucket_name is required")
	}
	region, ok := config["region"].(string)
	if !ok || region == "" {
		return nil, fmt.Errorf("region is required")
	}
	prefix, _ := config["key_prefix"].(string)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
		awsconfig.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucket, err)
	}

	uploader := manager.NewUploader(client)

	log.Printf("S3 archiver initialized for bucket: %s in region: %s", bucket, region)

	return &S3{client: client, uploader: uploader, bucket: bucket, prefix: prefix}, nil
}

// Write implements Archiver.
func (a *S3) Write(ctx context.Context, key string, data []byte) error {
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 %s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// Close implements Archiver.
func (a *S3) Close() error {
	return nil
}
