package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"drmcore/internal/storage"
)

// DefaultConfig provides default configuration values
var DefaultConfig = storage.Config{
	Backend:    "s3",
	BucketName: "drmcore-rights",
	Region:     "us-east-1",
	KeyPrefix:  "rights/",
}

// LoadAWSConfig resolves credentials and region the standard SDK way.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// NewClient creates a new S3 store with the given configuration
func NewClient(ctx context.Context, cfg aws.Config, bucket string, opts ...func(*storage.Config)) (*Store, error) {
	client := s3.NewFromConfig(cfg)

	// Verify bucket exists and is accessible
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucket, err)
	}

	config := DefaultConfig
	config.BucketName = bucket
	config.Region = cfg.Region
	for _, opt := range opts {
		opt(&config)
	}

	return New(client, config), nil
}

// WithKeyPrefix sets the prefix prepended to every object key
func WithKeyPrefix(prefix string) func(*storage.Config) {
	return func(c *storage.Config) {
		if prefix != "" {
			c.KeyPrefix = prefix
		}
	}
}
