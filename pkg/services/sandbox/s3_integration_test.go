//go:build integration

package sandbox

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestS3Backend runs against an S3 compatible endpoint, e.g.
//
//	docker run -p 4566:4566 localstack/localstack
//	awslocal s3 mb s3://gridrpc-test
//	GRIDRPC_S3_ENDPOINT=http://localhost:4566 go test -tags integration ./pkg/services/sandbox
func TestS3Backend(t *testing.T) {
	endpoint := os.Getenv("GRIDRPC_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("GRIDRPC_S3_ENDPOINT not set")
	}
	bucket := os.Getenv("GRIDRPC_S3_BUCKET")
	if bucket == "" {
		bucket = "gridrpc-test"
	}

	b, err := NewS3Backend(context.Background(), S3Options{
		Region:          "us-east-1",
		Bucket:          bucket,
		KeyPrefix:       "sandboxes/",
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		PartSize:        minPartSize,
	})
	require.NoError(t, err)
	testBackend(t, b)
}

func TestS3BackendMultipart(t *testing.T) {
	endpoint := os.Getenv("GRIDRPC_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("GRIDRPC_S3_ENDPOINT not set")
	}
	b, err := NewS3Backend(context.Background(), S3Options{
		Region:          "us-east-1",
		Bucket:          "gridrpc-test",
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		PartSize:        minPartSize,
	})
	require.NoError(t, err)

	ctx := context.Background()
	payload := make([]byte, 2*minPartSize+123)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	n, err := b.Put(ctx, "multipart", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.NoError(t, b.Delete(ctx, "multipart"))
}
