package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/s3gwd/s3gw/internal/config"
	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// FirestoreStore implements kvcluster.Table over a single Firestore
// collection. Documents are identified by a partition/key composite so
// that keys containing arbitrary bytes (bucket/object names, chunk keys)
// never collide with Firestore's own document ID restrictions.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

type firestoreDoc struct {
	Partition int    `firestore:"partition"`
	Key       string `firestore:"key"`
	Value     string `firestore:"value"` // base64
}

func firestoreDocID(partition int, key string) string {
	return strconv.Itoa(partition) + "_" + base64.URLEncoding.EncodeToString([]byte(key))
}

// NewFirestoreStore creates a FirestoreStore against the collection named
// in cfg (default "bleepstore_meta").
func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "bleepstore_meta"
	}

	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// Ping verifies the Firestore client can reach the collection.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err == iterator.Done {
		return nil
	}
	return err
}

// Close releases the underlying Firestore client connection.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// Get returns the value stored at key in the given partition.
func (s *FirestoreStore) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	doc, err := s.collectionRef().Doc(firestoreDocID(partition, key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, kvcluster.ErrNotFound
		}
		return nil, fmt.Errorf("getting partition=%d key=%q: %w", partition, key, err)
	}
	var fd firestoreDoc
	if err := doc.DataTo(&fd); err != nil {
		return nil, fmt.Errorf("decoding partition=%d key=%q: %w", partition, key, err)
	}
	return base64.StdEncoding.DecodeString(fd.Value)
}

// Set writes value at key in the given partition.
func (s *FirestoreStore) Set(ctx context.Context, partition int, key string, value []byte) error {
	_, err := s.collectionRef().Doc(firestoreDocID(partition, key)).Set(ctx, firestoreDoc{
		Partition: partition,
		Key:       key,
		Value:     base64.StdEncoding.EncodeToString(value),
	})
	if err != nil {
		return fmt.Errorf("setting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Delete removes key from the given partition. Deleting a missing key is
// not an error.
func (s *FirestoreStore) Delete(ctx context.Context, partition int, key string) error {
	_, err := s.collectionRef().Doc(firestoreDocID(partition, key)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Scan invokes yield for every document in the given partition whose key
// has the given prefix.
func (s *FirestoreStore) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	iter := s.collectionRef().Where("partition", "==", partition).Documents(ctx)
	defer iter.Stop()

	type row struct {
		key   string
		value []byte
	}
	var rows []row
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("scanning partition=%d prefix=%q: %w", partition, prefix, err)
		}
		var fd firestoreDoc
		if err := doc.DataTo(&fd); err != nil {
			continue
		}
		if !strings.HasPrefix(fd.Key, prefix) {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(fd.Value)
		if err != nil {
			continue
		}
		rows = append(rows, row{key: fd.Key, value: data})
	}
	for _, r := range rows {
		if !yield(r.key, r.value) {
			return nil
		}
	}
	return nil
}

var _ kvcluster.Table = (*FirestoreStore)(nil)
