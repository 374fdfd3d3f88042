// Package storage provides the GCP Cloud Storage gateway backend for the
// data table.
//
// The GCP gateway backend proxies every Get/Set/Delete/Scan call to an
// upstream GCS bucket via the official Go Cloud Storage client library: one
// data-table shard, chunk bytes only, addressed by partition and key.
//
// Key mapping:
//
//	{prefix}{partition}/{key}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// GCSAPI defines the subset of the GCS client interface that the gateway
// backend uses. This allows mocking in tests.
type GCSAPI interface {
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
	MD5  []byte
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPGatewayBackend implements kvcluster.Table by proxying storage
// operations to Google Cloud Storage. All rows share a single upstream GCS
// bucket, namespaced by Prefix and partition number.
type GCPGatewayBackend struct {
	Bucket  string
	Project string
	Prefix  string
	client  GCSAPI
}

// NewGCPGatewayBackend creates a new GCPGatewayBackend configured to proxy
// to the specified GCS bucket, using Application Default Credentials.
func NewGCPGatewayBackend(ctx context.Context, bucket, project, prefix string) (*GCPGatewayBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := &GCPGatewayBackend{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  &realGCSClient{client: client},
	}

	_, err = b.client.ListObjects(ctx, bucket, "\x00nonexistent\x00")
	if err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	log.Printf("GCP gateway backend initialized: bucket=%s project=%s prefix=%q", bucket, project, prefix)
	return b, nil
}

// NewGCPGatewayBackendWithClient creates a GCPGatewayBackend with a
// pre-configured GCS client, primarily for testing with mock clients.
func NewGCPGatewayBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPGatewayBackend {
	return &GCPGatewayBackend{Bucket: bucket, Project: project, Prefix: prefix, client: client}
}

func (b *GCPGatewayBackend) gcsKey(partition int, key string) string {
	return b.Prefix + strconv.Itoa(partition) + "/" + key
}

func (b *GCPGatewayBackend) partitionPrefix(partition int) string {
	return b.Prefix + strconv.Itoa(partition) + "/"
}

// Get downloads the row at key in the given partition.
func (b *GCPGatewayBackend) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	gcsName := b.gcsKey(partition, key)

	reader, err := b.client.NewReader(ctx, b.Bucket, gcsName)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, kvcluster.ErrNotFound
		}
		return nil, fmt.Errorf("getting object from GCS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading GCS object body: %w", err)
	}
	return data, nil
}

// Set uploads value at key in the given partition.
func (b *GCPGatewayBackend) Set(ctx context.Context, partition int, key string, value []byte) error {
	gcsName := b.gcsKey(partition, key)

	w := b.client.NewWriter(ctx, b.Bucket, gcsName)
	if _, err := io.Copy(w, bytes.NewReader(value)); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

// Delete removes the row at key in the given partition. Idempotent: GCS
// not-found errors on delete are swallowed (unlike S3, GCS errors on delete
// of a missing object).
func (b *GCPGatewayBackend) Delete(ctx context.Context, partition int, key string) error {
	gcsName := b.gcsKey(partition, key)

	err := b.client.Delete(ctx, b.Bucket, gcsName)
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

// Scan lists every row in the given partition whose key has the given
// prefix and invokes yield for each, downloading its value.
func (b *GCPGatewayBackend) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	listPrefix := b.partitionPrefix(partition) + prefix
	names, err := b.client.ListObjects(ctx, b.Bucket, listPrefix)
	if err != nil {
		return fmt.Errorf("listing GCS objects under %q: %w", listPrefix, err)
	}

	partPrefixLen := len(b.partitionPrefix(partition))
	for _, name := range names {
		if len(name) < partPrefixLen {
			continue
		}
		key := name[partPrefixLen:]
		data, err := b.Get(ctx, partition, key)
		if err != nil {
			if errors.Is(err, kvcluster.ErrNotFound) {
				continue
			}
			return err
		}
		if !yield(key, data) {
			return nil
		}
	}
	return nil
}

// Close releases no resources held directly by this backend.
func (b *GCPGatewayBackend) Close() error {
	return nil
}

// HealthCheck verifies that the upstream GCS bucket is accessible.
func (b *GCPGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, "\x00nonexistent\x00")
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ kvcluster.Table = (*GCPGatewayBackend)(nil)
