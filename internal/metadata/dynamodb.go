package metadata

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/s3gwd/s3gw/internal/config"
	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// DynamoDBStore implements kvcluster.Table over a single DynamoDB table,
// using the partition number and key as a composite primary key ("pk"/"sk").
type DynamoDBStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoDBStore creates a DynamoDBStore against the table named in cfg.
func NewDynamoDBStore(cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return &DynamoDBStore{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.Table,
	}, nil
}

// Ping verifies the configured table exists and is reachable.
func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

// Close is a no-op: the DynamoDB SDK client holds no closable resources.
func (s *DynamoDBStore) Close() error {
	return nil
}

// Get returns the value stored at key in the given partition.
func (s *DynamoDBStore) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberN{Value: strconv.Itoa(partition)},
			"sk": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting partition=%d key=%q: %w", partition, key, err)
	}
	if out.Item == nil {
		return nil, kvcluster.ErrNotFound
	}
	val, ok := out.Item["value"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, kvcluster.ErrNotFound
	}
	return val.Value, nil
}

// Set writes value at key in the given partition.
func (s *DynamoDBStore) Set(ctx context.Context, partition int, key string, value []byte) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":    &types.AttributeValueMemberN{Value: strconv.Itoa(partition)},
			"sk":    &types.AttributeValueMemberS{Value: key},
			"value": &types.AttributeValueMemberB{Value: value},
		},
	})
	if err != nil {
		return fmt.Errorf("setting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Delete removes key from the given partition. Deleting a missing key is
// not an error.
func (s *DynamoDBStore) Delete(ctx context.Context, partition int, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberN{Value: strconv.Itoa(partition)},
			"sk": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Scan queries every item in the given partition whose sort key has the
// given prefix, invoking yield for each.
func (s *DynamoDBStore) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberN{Value: strconv.Itoa(partition)},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	}

	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scanning partition=%d prefix=%q: %w", partition, prefix, err)
		}
		for _, item := range page.Items {
			sk, ok := item["sk"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			val, ok := item["value"].(*types.AttributeValueMemberB)
			if !ok {
				continue
			}
			if !yield(sk.Value, val.Value) {
				return nil
			}
		}
	}
	return nil
}

var _ kvcluster.Table = (*DynamoDBStore)(nil)
