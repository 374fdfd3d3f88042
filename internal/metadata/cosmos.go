package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/s3gwd/s3gw/internal/config"
	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// CosmosStore implements kvcluster.Table over an Azure Cosmos DB container,
// partitioned on the table's partition number and identified by a base64
// encoding of the key (Cosmos item IDs forbid "/", "\", "?", "#").
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

type cosmosItem struct {
	ID        string `json:"id"`
	Partition string `json:"partition"`
	Key       string `json:"key"`
	Value     string `json:"value"` // base64
}

func cosmosItemID(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// NewCosmosStore creates a CosmosStore against the database/container
// named in cfg.
func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	var client *azcosmos.Client
	var err error
	if cfg.MasterKey != "" {
		cred, credErr := azcosmos.NewKeyCredential(cfg.MasterKey)
		if credErr != nil {
			return nil, fmt.Errorf("creating cosmos key credential: %w", credErr)
		}
		client, err = azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{ClientOptions: policy.ClientOptions{}})
	} else {
		var azCred azcore.TokenCredential
		client, err = azcosmos.NewClient(cfg.Endpoint, azCred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{client: containerClient, database: cfg.Database, container: cfg.Container}, nil
}

// Ping verifies the container is reachable.
func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

// Close is a no-op: the Cosmos SDK client holds no closable resources.
func (s *CosmosStore) Close() error {
	return nil
}

func partitionKeyFor(partition int) azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(strconv.Itoa(partition))
}

// Get returns the value stored at key in the given partition.
func (s *CosmosStore) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	resp, err := s.client.ReadItem(ctx, partitionKeyFor(partition), cosmosItemID(key), nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return nil, kvcluster.ErrNotFound
		}
		return nil, fmt.Errorf("getting partition=%d key=%q: %w", partition, key, err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("decoding partition=%d key=%q: %w", partition, key, err)
	}
	return base64.StdEncoding.DecodeString(item.Value)
}

// Set writes value at key in the given partition.
func (s *CosmosStore) Set(ctx context.Context, partition int, key string, value []byte) error {
	item := cosmosItem{
		ID:        cosmosItemID(key),
		Partition: strconv.Itoa(partition),
		Key:       key,
		Value:     base64.StdEncoding.EncodeToString(value),
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding partition=%d key=%q: %w", partition, key, err)
	}
	_, err = s.client.UpsertItem(ctx, partitionKeyFor(partition), body, nil)
	if err != nil {
		return fmt.Errorf("setting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Delete removes key from the given partition. Deleting a missing key is
// not an error.
func (s *CosmosStore) Delete(ctx context.Context, partition int, key string) error {
	_, err := s.client.DeleteItem(ctx, partitionKeyFor(partition), cosmosItemID(key), nil)
	if err != nil && !isCosmosNotFound(err) {
		return fmt.Errorf("deleting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Scan runs a SQL cross-partition query filtering on the partition value
// and the key prefix, invoking yield for each matching item.
func (s *CosmosStore) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	query := "SELECT * FROM c WHERE c.partition = @partition"
	opts := &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{
			{Name: "@partition", Value: strconv.Itoa(partition)},
		},
	}
	pager := s.client.NewQueryItemsPager(query, partitionKeyFor(partition), opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scanning partition=%d prefix=%q: %w", partition, prefix, err)
		}
		for _, raw := range page.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			if !strings.HasPrefix(item.Key, prefix) {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(item.Value)
			if err != nil {
				continue
			}
			if !yield(item.Key, data) {
				return nil
			}
		}
	}
	return nil
}

func isCosmosNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return strings.Contains(err.Error(), "404")
}

var _ kvcluster.Table = (*CosmosStore)(nil)
