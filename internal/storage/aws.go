// Package storage provides the AWS S3 gateway backend for the data table.
//
// The AWS gateway backend proxies every Get/Set/Delete/Scan call to an
// upstream AWS S3 bucket via the AWS SDK for Go v2. It stands in for one
// data-table shard of the key-value cluster: chunk bytes only, addressed by
// partition and key, with no notion of buckets or objects above that.
//
// Key mapping:
//
//	{prefix}{partition}/{key}
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.).
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// S3API defines the subset of the AWS S3 client interface that the gateway
// backend uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSGatewayBackend implements kvcluster.Table by proxying storage
// operations to an upstream Amazon S3 bucket. All rows share a single
// upstream bucket, namespaced by Prefix and partition number.
type AWSGatewayBackend struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string
	// Prefix is the key prefix for all rows in the upstream bucket.
	Prefix string
	client S3API
}

// NewAWSGatewayBackend creates a new AWSGatewayBackend configured to proxy
// to the specified S3 bucket in the given region. It initializes the AWS SDK
// client using the default credential chain, with optional overrides for
// custom endpoint, path-style addressing, and static credentials.
func NewAWSGatewayBackend(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*AWSGatewayBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	b := &AWSGatewayBackend{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("AWS gateway backend initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return b, nil
}

// NewAWSGatewayBackendWithClient creates an AWSGatewayBackend with a
// pre-configured S3 client, primarily for testing with mock clients.
func NewAWSGatewayBackendWithClient(bucket, region, prefix string, client S3API) *AWSGatewayBackend {
	return &AWSGatewayBackend{Bucket: bucket, Region: region, Prefix: prefix, client: client}
}

// s3Key maps a (partition, key) row to an upstream S3 key.
func (b *AWSGatewayBackend) s3Key(partition int, key string) string {
	return b.Prefix + strconv.Itoa(partition) + "/" + key
}

// partitionPrefix maps a partition number to its upstream S3 key prefix.
func (b *AWSGatewayBackend) partitionPrefix(partition int) string {
	return b.Prefix + strconv.Itoa(partition) + "/"
}

// Get downloads the row at key in the given partition.
func (b *AWSGatewayBackend) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(partition, key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, kvcluster.ErrNotFound
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return data, nil
}

// Set uploads value at key in the given partition.
func (b *AWSGatewayBackend) Set(ctx context.Context, partition int, key string, value []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.s3Key(partition, key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
	})
	if err != nil {
		return fmt.Errorf("uploading to S3: %w", err)
	}
	return nil
}

// Delete removes the row at key in the given partition. Idempotent: S3
// DeleteObject does not error on missing keys.
func (b *AWSGatewayBackend) Delete(ctx context.Context, partition int, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(partition, key)),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// Scan lists every row in the given partition whose key has the given
// prefix and invokes yield for each, downloading its value.
func (b *AWSGatewayBackend) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	listPrefix := b.partitionPrefix(partition) + prefix
	var token *string

	for {
		resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("listing S3 objects under %q: %w", listPrefix, err)
		}

		partPrefixLen := len(b.partitionPrefix(partition))
		for _, obj := range resp.Contents {
			fullKey := aws.ToString(obj.Key)
			if len(fullKey) < partPrefixLen {
				continue
			}
			key := fullKey[partPrefixLen:]
			data, err := b.Get(ctx, partition, key)
			if err != nil {
				if errors.Is(err, kvcluster.ErrNotFound) {
					continue // deleted between list and get
				}
				return err
			}
			if !yield(key, data) {
				return nil
			}
		}

		if !aws.ToBool(resp.IsTruncated) {
			return nil
		}
		token = resp.NextContinuationToken
	}
}

// Close releases no resources: the S3 client holds no persistent
// connection handles the gateway owns.
func (b *AWSGatewayBackend) Close() error {
	return nil
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (b *AWSGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

var _ kvcluster.Table = (*AWSGatewayBackend)(nil)
