package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/vidfriends/livesched/internal/config"
)

// ManifestName is the object the encoder writes last when a recording is final.
const ManifestName = "manifest.m3u8"

// RecordingStore reports on and releases recorded media.
type RecordingStore interface {
	Probe(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3RecordingStore implements RecordingStore against an S3-compatible service.
type S3RecordingStore struct {
	client s3API
	bucket string
}

var _ RecordingStore = (*S3RecordingStore)(nil)

// NewS3RecordingStore configures a client targeting the provided object store.
func NewS3RecordingStore(ctx context.Context, cfg config.ObjectStoreConfig) (*S3RecordingStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 storage: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	return newS3RecordingStore(client, cfg.Bucket), nil
}

func newS3RecordingStore(client s3API, bucket string) *S3RecordingStore {
	return &S3RecordingStore{client: client, bucket: bucket}
}

// Probe reports whether the recording under key has been finalized.
func (s *S3RecordingStore) Probe(ctx context.Context, key string) (bool, error) {
	prefix, err := normalizePrefix(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(prefix + ManifestName),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("s3 storage probe %s: %w", prefix, err)
}

// Release deletes every object stored under key.
func (s *S3RecordingStore) Release(ctx context.Context, key string) error {
	prefix, err := normalizePrefix(key)
	if err != nil {
		return err
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 storage list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, object := range page.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: object.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3 storage delete %s: %w", prefix, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("s3 storage delete %s: %d objects failed, first %s: %s",
				prefix, len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

// NoopRecordingStore treats every recording as finalized and releases nothing.
type NoopRecordingStore struct{}

var _ RecordingStore = NoopRecordingStore{}

// Probe always reports the recording as ready.
func (NoopRecordingStore) Probe(context.Context, string) (bool, error) { return true, nil }

// Release does nothing.
func (NoopRecordingStore) Release(context.Context, string) error { return nil }

func normalizePrefix(key string) (string, error) {
	prefix := strings.TrimLeft(strings.TrimSpace(key), "/")
	if prefix == "" {
		return "", fmt.Errorf("s3 storage: empty key")
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix, nil
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
