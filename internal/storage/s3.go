// Package storage reads and writes document bodies in S3 compatible object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// S3ClientConfig holds configuration for S3Client
type S3ClientConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UsePathStyle    bool
}

// S3Client provides operations for S3-compatible storage (e.g., RustFS)
type S3Client struct {
	client *s3.Client
	bucket string
}

// Object is a downloaded object body.
type Object struct {
	Body        []byte
	ContentType string
	ETag        string
}

// NewS3Client creates a new S3Client with the given configuration
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*S3Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Client{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the default bucket.
func (c *S3Client) Bucket() string {
	return c.bucket
}

// URI returns the s3:// URI of key in the default bucket.
func (c *S3Client) URI(key string) string {
	return "s3://" + c.bucket + "/" + strings.TrimPrefix(key, "/")
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %s", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri needs bucket and key: %s", uri)
	}
	return bucket, key, nil
}

// GetObject downloads at most maxBytes of an object. A missing object is a
// data error; anything else is treated as a transient storage failure.
func (c *S3Client) GetObject(ctx context.Context, bucket, key string, maxBytes int64) (*Object, error) {
	if bucket == "" {
		bucket = c.bucket
	}
	output, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return nil, domain.NewDomainErrorWithCause(domain.ErrCodeUnreadableDocument, "object not found: "+key, err)
		}
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "failed to get object", err)
	}
	defer output.Body.Close()

	var body io.Reader = output.Body
	if maxBytes > 0 {
		body = io.LimitReader(output.Body, maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "failed to read object", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, domain.NewDomainError(domain.ErrCodeDocumentTooLarge,
			fmt.Sprintf("object %s exceeds %d bytes", key, maxBytes))
	}

	return &Object{
		Body:        data,
		ContentType: aws.ToString(output.ContentType),
		ETag:        aws.ToString(output.ETag),
	}, nil
}

// PutObject uploads body under key in the default bucket and returns its URI.
func (c *S3Client) PutObject(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "failed to put object", err)
	}
	return c.URI(key), nil
}

// DeleteObject removes an object from storage
func (c *S3Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (c *S3Client) EnsureBucket(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err == nil {
		return nil
	}

	_, err = c.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}
