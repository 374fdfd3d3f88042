// Package storage provides the Azure Blob Storage gateway backend for the
// data table.
//
// The Azure gateway backend proxies every Get/Set/Delete/Scan call to an
// upstream Azure Blob Storage container via the official Azure SDK for Go:
// one data-table shard, chunk bytes only, addressed by partition and key.
//
// Key mapping:
//
//	{prefix}{partition}/{key}
//
// Credentials are resolved via DefaultAzureCredential (env vars, managed
// identity, Azure CLI, etc.).
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the gateway backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
}

// AzureGatewayBackend implements kvcluster.Table by proxying storage
// operations to Azure Blob Storage. All rows share a single upstream Azure
// container, namespaced by Prefix and partition number.
type AzureGatewayBackend struct {
	Container  string
	AccountURL string
	Prefix     string
	client     AzureBlobAPI
}

// NewAzureGatewayBackend creates a new AzureGatewayBackend configured to
// proxy to the specified Azure Blob container, using DefaultAzureCredential.
func NewAzureGatewayBackend(ctx context.Context, container, accountURL, prefix string) (*AzureGatewayBackend, error) {
	client, err := newRealAzureClient(accountURL, "", false)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := &AzureGatewayBackend{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}

	_, err = b.client.BlobExists(ctx, container, "\x00nonexistent\x00")
	if err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", container, err)
	}

	slog.Info("Azure gateway backend initialized", "container", container, "account", accountURL, "prefix", prefix)
	return b, nil
}

// NewAzureGatewayBackendWithClient creates an AzureGatewayBackend with a
// pre-configured Azure client, primarily for testing with mock clients.
func NewAzureGatewayBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureGatewayBackend {
	return &AzureGatewayBackend{Container: container, AccountURL: accountURL, Prefix: prefix, client: client}
}

func (b *AzureGatewayBackend) blobName(partition int, key string) string {
	return b.Prefix + strconv.Itoa(partition) + "/" + key
}

func (b *AzureGatewayBackend) partitionPrefix(partition int) string {
	return b.Prefix + strconv.Itoa(partition) + "/"
}

// Get downloads the row at key in the given partition.
func (b *AzureGatewayBackend) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	blobKey := b.blobName(partition, key)

	data, err := b.client.DownloadBlob(ctx, b.Container, blobKey)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, kvcluster.ErrNotFound
		}
		return nil, fmt.Errorf("getting object from Azure Blob: %w", err)
	}
	return data, nil
}

// Set uploads value at key in the given partition.
func (b *AzureGatewayBackend) Set(ctx context.Context, partition int, key string, value []byte) error {
	blobKey := b.blobName(partition, key)
	if err := b.client.UploadBlob(ctx, b.Container, blobKey, value); err != nil {
		return fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return nil
}

// Delete removes the row at key in the given partition. Idempotent: catches
// not-found silently.
func (b *AzureGatewayBackend) Delete(ctx context.Context, partition int, key string) error {
	blobKey := b.blobName(partition, key)

	err := b.client.DeleteBlob(ctx, b.Container, blobKey)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting object from Azure Blob: %w", err)
	}
	return nil
}

// Scan lists every row in the given partition whose key has the given
// prefix and invokes yield for each, downloading its value.
func (b *AzureGatewayBackend) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	listPrefix := b.partitionPrefix(partition) + prefix
	names, err := b.client.ListBlobs(ctx, b.Container, listPrefix)
	if err != nil {
		return fmt.Errorf("listing Azure blobs under %q: %w", listPrefix, err)
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
func (b *AzureGatewayBackend) Close() error {
	return nil
}

// HealthCheck verifies that the upstream Azure Blob container is accessible.
func (b *AzureGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.BlobExists(ctx, b.Container, "\x00nonexistent\x00")
	return err
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist") {
		return true
	}
	return false
}

var _ kvcluster.Table = (*AzureGatewayBackend)(nil)
