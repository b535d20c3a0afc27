package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	minPartSize     = 5 * 1024 * 1024
	defaultPartSize = 10 * 1024 * 1024
)

// S3Options configures the S3 backend.
type S3Options struct {
	Region          string `mapstructure:"Region"`
	Bucket          string `mapstructure:"Bucket"`
	KeyPrefix       string `mapstructure:"KeyPrefix"`
	Endpoint        string `mapstructure:"Endpoint"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	PartSize        int64  `mapstructure:"PartSize"`
	MaxRetries      int    `mapstructure:"MaxRetries"`
}

// S3Backend stores sandboxes as objects of one bucket. Uploads larger
// than one part are streamed as multipart uploads.
type S3Backend struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	partSize  int64
}

// NewS3Backend builds the client and checks that the bucket is reachable.
// The bucket must already exist.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("s3 backend: region is required")
	}
	partSize := opts.PartSize
	if partSize == 0 {
		partSize = defaultPartSize
	}
	if partSize < minPartSize {
		return nil, fmt.Errorf("s3 backend: part size must be at least 5MB, got %d bytes", partSize)
	}

	loadOpts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	loadOpts = append(loadOpts, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 backend: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// MinIO and Localstack need path-style addressing.
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("s3 backend: access bucket %q: %w", opts.Bucket, err)
	}

	return &S3Backend{
		client:    client,
		bucket:    opts.Bucket,
		keyPrefix: opts.KeyPrefix,
		partSize:  partSize,
	}, nil
}

func (b *S3Backend) objectKey(key string) string {
	return b.keyPrefix + key
}

// Put uploads r. Content that fits in one part is sent with PutObject.
func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	buf := make([]byte, b.partSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
			Body:   bytes.NewReader(buf[:n]),
		})
		if err != nil {
			return 0, fmt.Errorf("put object %s: %w", key, err)
		}
		return int64(n), nil
	case err != nil:
		return int64(n), fmt.Errorf("store %s: %w", key, err)
	}

	return b.putMultipart(ctx, key, r, buf)
}

// putMultipart uploads the full first part in buf, then the rest of r.
// The upload is aborted on any failure.
func (b *S3Backend) putMultipart(ctx context.Context, key string, r io.Reader, buf []byte) (int64, error) {
	objectKey := b.objectKey(key)
	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return 0, fmt.Errorf("create multipart upload for %s: %w", key, err)
	}
	uploadID := created.UploadId

	abort := func(cause error) (int64, error) {
		_, aerr := b.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.bucket),
			Key:      aws.String(objectKey),
			UploadId: uploadID,
		})
		if aerr != nil {
			var noSuchUpload *types.NoSuchUpload
			if !errors.As(aerr, &noSuchUpload) {
				return 0, errors.Join(cause, fmt.Errorf("abort upload: %w", aerr))
			}
		}
		return 0, cause
	}

	var (
		parts []types.CompletedPart
		total int64
		n     = len(buf)
	)
	for part := int32(1); n > 0; part++ {
		out, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(objectKey),
			UploadId:   uploadID,
			PartNumber: aws.Int32(part),
			Body:       bytes.NewReader(buf[:n]),
		})
		if err != nil {
			return abort(fmt.Errorf("upload part %d of %s: %w", part, key, err))
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(part)})
		total += int64(n)

		n, err = io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return abort(fmt.Errorf("store %s: %w", key, err))
		}
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(objectKey),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return abort(fmt.Errorf("complete multipart upload of %s: %w", key, err))
	}
	return total, nil
}

func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("content %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Close() error { return nil }
