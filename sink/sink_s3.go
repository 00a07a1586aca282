package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes shards as objects under bucket/prefix.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 wraps an S3 client (or a compatible fake).
func NewS3(client s3API, bucket, prefix string) (*S3, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (s *S3) Write(ctx context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}

	// Keys keep S3 semantics: no path cleaning beyond leading slashes.
	key := strings.TrimLeft(req.Key, "/")
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(req.Data),
		ContentLength: aws.Int64(int64(len(req.Data))),
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}
