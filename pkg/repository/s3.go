package repository

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// S3Config configures an S3Repository.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool

	// MaxReadSize caps metadata records, scripts and profiles.
	MaxReadSize int64
}

// S3Repository serves a repository from a bucket prefix on any S3
// compatible object store.
type S3Repository struct {
	*fetcher
	client  *minio.Client
	bucket  string
	prefix  string
	maxRead int64
}

var _ Repository = (*S3Repository)(nil)

// NewS3Repository creates a repository client. No request is made until
// StartSession.
func NewS3Repository(cfg S3Config, logger zerolog.Logger) (*S3Repository, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	maxRead := cfg.MaxReadSize
	if maxRead <= 0 {
		maxRead = 16 << 20
	}

	client, err := minio.New(endpoint, &minio.Options{
		// Empty keys sign requests anonymously.
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	r := &S3Repository{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		maxRead: maxRead,
	}
	r.fetcher = &fetcher{
		kind:  "s3",
		store: r,
		logger: logger.With().
			Str("component", "repository").
			Str("bucket", bucket).
			Str("prefix", r.prefix).
			Logger(),
	}
	return r, nil
}

// StartSession checks that the bucket exists.
func (r *S3Repository) StartSession(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return sessionError("s3", err)
	}
	if !exists {
		return sessionError("s3", fmt.Errorf("bucket %s does not exist", r.bucket))
	}
	return nil
}

// EndSession is a no-op; requests are stateless.
func (r *S3Repository) EndSession(_ context.Context) error {
	return nil
}

func (r *S3Repository) objectKey(key string) string {
	if r.prefix == "" {
		return key
	}
	return path.Join(r.prefix, key)
}

func (r *S3Repository) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := r.client.GetObject(ctx, r.bucket, r.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, r.mapError(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, r.maxRead+1))
	if err != nil {
		return nil, r.mapError(key, err)
	}
	if int64(len(data)) > r.maxRead {
		return nil, fmt.Errorf("%s exceeds %d bytes", key, r.maxRead)
	}
	return data, nil
}

func (r *S3Repository) download(ctx context.Context, key, dest string) error {
	// FGetObject writes to a .part file and renames it on completion.
	if err := r.client.FGetObject(ctx, r.bucket, r.objectKey(key), dest, minio.GetObjectOptions{}); err != nil {
		return r.mapError(key, err)
	}
	return nil
}

func (r *S3Repository) mapError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, errObjectNotFound)
	}
	return err
}
