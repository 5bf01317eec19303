// Package output archives terminal task output in object storage and
// enforces its retention.
package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sethvargo/go-retry"
)

const (
	defaultInlineLimit = 64 * 1024
	defaultURLExpiry   = time.Hour
	maxURLExpiry       = 7 * 24 * time.Hour
)

// Config holds object storage settings for the output archive.
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// InlineLimit is the largest output stored entirely on the instance
	// row. Longer output is archived and the row keeps a truncated head.
	InlineLimit int

	// URLExpiry is how long presigned download links stay valid.
	URLExpiry time.Duration
}

// Archive stores oversized task output in a MinIO/S3 bucket, one object
// per instance. It satisfies the persister's output store.
type Archive struct {
	client      *minio.Client
	bucket      string
	logger      *slog.Logger
	keyPrefix   string
	inlineLimit int
	urlExpiry   time.Duration
}

// NewArchive creates an Archive backed by the configured bucket.
func NewArchive(cfg Config, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	inlineLimit := cfg.InlineLimit
	if inlineLimit <= 0 {
		inlineLimit = defaultInlineLimit
	}
	urlExpiry := cfg.URLExpiry
	if urlExpiry <= 0 {
		urlExpiry = defaultURLExpiry
	}

	return &Archive{
		client:      client,
		bucket:      cfg.Bucket,
		logger:      logger.With("component", "output_archive"),
		keyPrefix:   "task-output",
		inlineLimit: inlineLimit,
		urlExpiry:   urlExpiry,
	}, nil
}

// Connect verifies the bucket exists, creating it when missing. Object
// storage may still be starting, so the check retries with backoff.
func (a *Archive) Connect(ctx context.Context) error {
	b := retry.NewFibonacci(1 * time.Second)
	return retry.Do(ctx, retry.WithMaxRetries(5, b), func(ctx context.Context) error {
		if err := a.ensureBucket(ctx); err != nil {
			a.logger.Warn("storage not ready", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		a.logger.Info("created bucket", "bucket", a.bucket)
	}
	return nil
}

// Store keeps output at or under the inline limit on the instance row.
// Longer output is uploaded whole and the row keeps a truncated head
// plus the object key.
func (a *Archive) Store(ctx context.Context, instanceID uuid.UUID, output string) (string, *string, error) {
	if len(output) <= a.inlineLimit {
		return output, nil, nil
	}

	key := a.objectKey(instanceID)

	b := retry.NewFibonacci(500 * time.Millisecond)
	err := retry.Do(ctx, retry.WithMaxRetries(3, b), func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, a.bucket, key,
			strings.NewReader(output), int64(len(output)),
			minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to archive output: %w", err)
	}

	a.logger.Info("archived output",
		"instance_id", instanceID,
		"key", key,
		"size", len(output),
	)

	return truncateRune(output, a.inlineLimit), &key, nil
}

// Fetch streams an archived output object.
func (a *Archive) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("archived output not found: %w", err)
	}
	return obj, nil
}

// PresignedURL generates a time-limited download link for an archived
// output object. A non-positive expiry uses the configured default.
func (a *Archive) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if expires <= 0 {
		expires = a.urlExpiry
	}
	if expires > maxURLExpiry {
		expires = maxURLExpiry
	}

	u, err := a.client.PresignedGetObject(ctx, a.bucket, key, expires, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign output url: %w", err)
	}
	return u.String(), nil
}

// Delete removes an archived output object.
func (a *Archive) Delete(ctx context.Context, key string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete archived output: %w", err)
	}
	return nil
}

// HealthCheck reports whether the storage backend is reachable.
func (a *Archive) HealthCheck(ctx context.Context) error {
	if _, err := a.client.BucketExists(ctx, a.bucket); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}

func (a *Archive) objectKey(instanceID uuid.UUID) string {
	return fmt.Sprintf("%s/%s.log", a.keyPrefix, instanceID)
}

// truncateRune cuts s to at most limit bytes without splitting a rune.
// The instance row column is UTF-8 text and rejects a mid-rune cut.
func truncateRune(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
