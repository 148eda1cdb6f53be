package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"drmcore/internal/core/domain"
	"drmcore/internal/storage"
)

// Client is the subset of *s3.Client the store uses.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Store struct {
	client Client
	config storage.Config
}

func New(client Client, config storage.Config) *Store {
	return &Store{
		client: client,
		config: config,
	}
}

func (s *Store) objectKey(p string) string {
	return path.Join(s.config.KeyPrefix, strings.TrimPrefix(p, "/"))
}

func (s *Store) Put(ctx context.Context, p string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.BucketName),
		Key:         aws.String(s.objectKey(p)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w: %v", p, domain.ErrIO, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, p string) ([]byte, storage.ObjectInfo, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(s.objectKey(p)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, storage.ObjectInfo{}, fmt.Errorf("%s: %w", p, storage.ErrNotFound)
		}
		return nil, storage.ObjectInfo{}, fmt.Errorf("failed to get %s: %w: %v", p, domain.ErrIO, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, storage.ObjectInfo{}, fmt.Errorf("failed to read %s: %w: %v", p, domain.ErrIO, err)
	}

	info := storage.ObjectInfo{
		Path:        p,
		ContentType: aws.ToString(result.ContentType),
		Size:        int64(len(data)),
		UpdatedAt:   aws.ToTime(result.LastModified),
	}
	return data, info, nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(s.objectKey(p)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w: %v", p, domain.ErrIO, err)
	}
	return nil
}

// GetConfig returns the store configuration
func (s *Store) GetConfig() storage.Config {
	return s.config
}
