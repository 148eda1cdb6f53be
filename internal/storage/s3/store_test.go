package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drmcore/internal/core/domain"
	"drmcore/internal/storage"
)

type fakeClient struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = data
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: aws.String(f.types[key]),
	}, nil
}

func (f *fakeClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	cfg := DefaultConfig
	WithKeyPrefix("lic/")(&cfg)
	s := New(client, cfg)

	require.NoError(t, s.Put(ctx, "/content/a.lic", []byte("license"), "application/json"))
	assert.Contains(t, client.objects, "drmcore-rights/lic/content/a.lic")

	data, info, err := s.Get(ctx, "/content/a.lic")
	require.NoError(t, err)
	assert.Equal(t, []byte("license"), data)
	assert.Equal(t, "application/json", info.ContentType)

	require.NoError(t, s.Delete(ctx, "/content/a.lic"))
	_, _, err = s.Get(ctx, "/content/a.lic")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, "lic/", s.GetConfig().KeyPrefix)
}

func TestStore_BackendErrorsAreIO(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.err = errors.New("throttled")
	s := New(client, DefaultConfig)

	assert.ErrorIs(t, s.Put(ctx, "a", []byte("x"), ""), domain.ErrIO)
	_, _, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrIO)
	assert.ErrorIs(t, s.Delete(ctx, "a"), domain.ErrIO)
}
