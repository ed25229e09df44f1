// Package s3 implements the backend.Backend capability interface against
// AWS S3 or an S3-compatible endpoint. Data objects are capped at
// data_block_size, well under multipart thresholds, so plain
// PutObject/GetObject suffice.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/s3ql-go/s3ql/internal/backend"
	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// Config configures the S3 backend variant. Field set mirrors
// internal/config.S3Config.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
}

// Backend stores objects as S3 keys under Config.Bucket.
type Backend struct {
	client     *awss3.Client
	bucket     string
	reqTimeout time.Duration
}

// New builds an S3 client from cfg and returns a Backend bound to its bucket.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
	})

	return &Backend{client: client, bucket: cfg.Bucket, reqTimeout: cfg.RequestTimeout}, nil
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.reqTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.reqTimeout)
}

func (b *Backend) Lookup(ctx context.Context, key string) (*backend.ObjectInfo, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	out, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, backend.NewNotFoundError("backend.s3", key)
		}
		return nil, translateError("HeadObject", key, err)
	}
	info := &backend.ObjectInfo{Key: key, Metadata: out.Metadata}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, *backend.ObjectInfo, error) {
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, backend.NewNotFoundError("backend.s3", key)
		}
		return nil, nil, translateError("GetObject", key, err)
	}
	info := &backend.ObjectInfo{Key: key, Metadata: out.Metadata}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return out.Body, info, nil
}

func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	reader, ok := body.(io.ReadSeeker)
	if !ok {
		// PutObject requires a seekable body for SDK checksum computation;
		// every caller in this codebase already hands us a *bytes.Reader.
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        &b.bucket,
		Key:           &key,
		Body:          reader,
		ContentLength: &size,
		Metadata:      metadata,
	})
	if err != nil {
		return translateError("PutObject", key, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil && !isNotFound(err) {
		return translateError("DeleteObject", key, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: &b.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translateError("ListObjectsV2", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) Copy(ctx context.Context, src, dst string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	source := b.bucket + "/" + src
	_, err := b.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     &b.bucket,
		Key:        &dst,
		CopySource: &source,
	})
	if err != nil {
		return translateError("CopyObject", src, err)
	}
	return nil
}

// Rename has no native S3 operation; implemented as copy then delete.
func (b *Backend) Rename(ctx context.Context, src, dst string) error {
	if err := b.Copy(ctx, src, dst); err != nil {
		return err
	}
	return b.Delete(ctx, src)
}

func (b *Backend) Close() error { return nil }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// translateError maps an AWS SDK error to the engine's error taxonomy:
// request-level/network/5xx failures are transient-backend (retryable),
// everything else is surfaced as-is for the caller to classify.
func translateError(operation, key string, err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == 403 || status == 401 {
			return s3qlerrors.NewError(s3qlerrors.ErrCodeAuth, fmt.Sprintf("%s denied for %s", operation, key)).
				WithComponent("backend.s3").WithOperation(operation).WithCause(err)
		}
		if status >= 500 || status == 429 {
			return s3qlerrors.NewError(s3qlerrors.ErrCodeTransientBackend, fmt.Sprintf("%s failed for %s: HTTP %d", operation, key, status)).
				WithComponent("backend.s3").WithOperation(operation).WithCause(err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		// network-layer errors without a clean status code are treated as
		// transient; the retry layer backs off and tries again.
		return s3qlerrors.NewError(s3qlerrors.ErrCodeTransientBackend, fmt.Sprintf("%s failed for %s", operation, key)).
			WithComponent("backend.s3").WithOperation(operation).WithCause(err)
	}
	return fmt.Errorf("%s failed for %s: %w", operation, key, err)
}

var _ backend.Backend = (*Backend)(nil)
