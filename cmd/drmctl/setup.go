package main

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"drmcore/internal/config"
	s3store "drmcore/internal/storage/s3"
)

// setup prepares the S3 rights bucket named in the configuration.
func setup(ctx context.Context, cfg config.Config) error {
	awsCfg, err := s3store.LoadAWSConfig(ctx, cfg.Region)
	if err != nil {
		return err
	}
	fmt.Printf("Using AWS Region: %s\n", awsCfg.Region)

	identity, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		log.Printf("Warning: Unable to get caller identity: %v", err)
	} else {
		fmt.Printf("AWS Account: %s\n", aws.ToString(identity.Account))
		fmt.Printf("AWS User ARN: %s\n", aws.ToString(identity.Arn))
	}

	bucketName := cfg.BucketName
	client := s3.NewFromConfig(awsCfg)

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		fmt.Printf("Creating bucket %s...\n", bucketName)
		input := &s3.CreateBucketInput{
			Bucket: aws.String(bucketName),
		}
		// us-east-1 rejects an explicit location constraint
		if awsCfg.Region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(awsCfg.Region),
			}
		}
		if _, err := client.CreateBucket(ctx, input); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	} else {
		fmt.Printf("Bucket %s already exists\n", bucketName)
	}

	prefix := cfg.KeyPrefix
	if prefix != "" {
		if _, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String(prefix),
		}); err != nil {
			log.Printf("Warning: Unable to create folder %s: %v", prefix, err)
		} else {
			fmt.Printf("Created folder: %s\n", prefix)
		}
	}

	// Round-trip a scratch object through the store the backend will use.
	store, err := s3store.NewClient(ctx, awsCfg, bucketName, s3store.WithKeyPrefix(prefix))
	if err != nil {
		return err
	}
	if err := store.Put(ctx, ".healthcheck", []byte("ok"), "text/plain"); err != nil {
		return fmt.Errorf("failed to write scratch object: %w", err)
	}
	if err := store.Delete(ctx, ".healthcheck"); err != nil {
		return fmt.Errorf("failed to delete scratch object: %w", err)
	}

	fmt.Println("\nSetup completed successfully!")
	fmt.Println("\nBucket configuration:")
	fmt.Printf("- Name: %s\n", bucketName)
	fmt.Printf("- Region: %s\n", awsCfg.Region)
	fmt.Printf("- Prefix: %s\n", prefix)
	return nil
}
