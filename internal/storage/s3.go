package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3-compatible backend. An empty Endpoint targets
// AWS S3; set it to a MinIO address for self-hosted deployments.
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string // empty uses the AWS env/file/IAM credential chain
	SecretKey    string
	UseTLS       bool
	CreateBucket bool
}

// S3Backend stores objects in an S3 bucket.
type S3Backend struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewS3Backend connects to the bucket described by cfg.
func NewS3Backend(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
		})
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create s3 client for %s: %w", endpoint, err)
	}

	b := &S3Backend{client: client, bucket: cfg.Bucket, logger: logger}

	if cfg.CreateBucket {
		exists, err := client.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, classify("ping", cfg.Bucket, err, s3Kind)
		}
		if !exists {
			if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
				return nil, fmt.Errorf("storage: create bucket %q: %w", cfg.Bucket, err)
			}
			logger.Info("storage: created bucket", "bucket", cfg.Bucket)
		}
	}
	return b, nil
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) Put(ctx context.Context, key string, body []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: ContentType,
	})
	return classify("store", key, err, s3Kind)
}

func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("read", key, err, s3Kind)
	}
	defer func() { _ = obj.Close() }()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify("read", key, err, s3Kind)
	}
	return body, nil
}

func (b *S3Backend) ListPage(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	// Cancelling stops the listing goroutine when we return before the channel drains.
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keys := make([]string, 0, limit)
	for obj := range b.client.ListObjects(listCtx, b.bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: after,
		MaxKeys:    limit,
	}) {
		if obj.Err != nil {
			return nil, classify("list", prefix, obj.Err, s3Kind)
		}
		keys = append(keys, obj.Key)
		if len(keys) == limit {
			break
		}
	}
	return keys, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{})
	return classify("delete", key, err, s3Kind)
}

func (b *S3Backend) Ping(ctx context.Context) error {
	ok, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return classify("ping", b.bucket, err, s3Kind)
	}
	if !ok {
		return newError("ping", b.bucket, ErrNotFound, fmt.Errorf("bucket does not exist"))
	}
	return nil
}

func (b *S3Backend) Close() error { return nil }

// s3Kind maps S3 error responses onto storage failure kinds.
func s3Kind(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUnavailable
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
		return ErrAccessDenied
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return ErrUnavailable
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return ErrAccessDenied
	}
	return ErrUnavailable
}
