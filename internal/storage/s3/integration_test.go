//go:build integration

package s3

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/duckmesh/sqlagent/internal/storage"
)

func TestStoreReadsDatasetFromMinIO(t *testing.T) {
	endpoint := envOr("SQLAGENT_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("SQLAGENT_TEST_S3_ENDPOINT is not set")
	}
	key := envOr("SQLAGENT_TEST_S3_KEY", "")
	if key == "" {
		t.Skip("SQLAGENT_TEST_S3_KEY is not set")
	}

	store, err := New(Config{
		Endpoint:        endpoint,
		Region:          envOr("SQLAGENT_TEST_S3_REGION", "us-east-1"),
		Bucket:          envOr("SQLAGENT_TEST_S3_BUCKET", "sqlagent-it"),
		AccessKeyID:     envOr("SQLAGENT_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey: envOr("SQLAGENT_TEST_S3_SECRET_KEY", "miniostorage"),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	info, err := store.Stat(ctx, key)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	reader, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = reader.Close() }()
	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if int64(len(body)) != info.Size {
		t.Fatalf("read %d bytes, stat says %d", len(body), info.Size)
	}

	if _, err := store.Stat(ctx, key+".missing"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat(missing) error = %v, want ErrObjectNotFound", err)
	}
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
