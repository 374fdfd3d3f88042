// Package store provides a typed view over the two-table KV cluster
// (internal/kvcluster): users, buckets, objects, chunks, parts, and
// namelists. It is the sole place in the gateway that understands both
// S3 record shapes and how they map onto partitioned Get/Set/Delete/Scan
// calls.
package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// Store is the C1 adapter: typed operations over a kvcluster.Cluster.
type Store struct {
	cluster kvcluster.Cluster
	parts   int
}

// New creates a Store backed by the given cluster.
func New(cluster kvcluster.Cluster) *Store {
	return &Store{cluster: cluster, parts: cluster.PartitionCount()}
}

// Close releases the underlying cluster's resources.
func (s *Store) Close() error {
	return s.cluster.Close()
}

// Ping verifies connectivity to both tables of the cluster.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.cluster.Meta().Get(ctx, 0, "__ping__"); err != nil && err != kvcluster.ErrNotFound {
		return fmt.Errorf("pinging meta table: %w", err)
	}
	if _, err := s.cluster.Data().Get(ctx, 0, "__ping__"); err != nil && err != kvcluster.ErrNotFound {
		return fmt.Errorf("pinging data table: %w", err)
	}
	return nil
}

// PartitionCount returns the cluster's partition count.
func (s *Store) PartitionCount() int { return s.parts }

// SetMeta writes an arbitrary opaque value directly into the meta table,
// bypassing the typed record helpers above. Used by internal/monitor to
// persist its periodic binary snapshot under a well-known key.
func (s *Store) SetMeta(ctx context.Context, key string, value []byte) error {
	if err := s.metaSet(ctx, key, value); err != nil {
		return newErr(KindIOError, "SetMeta", err)
	}
	return nil
}

// GetMeta reads back a value written with SetMeta.
func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, error) {
	data, err := s.metaGet(ctx, key)
	if err == kvcluster.ErrNotFound {
		return nil, newErr(KindNotFound, "GetMeta", err)
	}
	if err != nil {
		return nil, newErr(KindIOError, "GetMeta", err)
	}
	return data, nil
}

func userKey(accessKey string) string      { return "user/" + accessKey }
func bucketKey(name string) string         { return "bucket/" + name }
func objectKey(bucket, key string) string  { return "object/" + bucket + "/" + key }
func partMetaKey(bucket, ghost string, partNumber int) string {
	return "part/" + bucket + "/" + ghost + "/" + strconv.Itoa(partNumber)
}
func partPrefix(bucket, ghost string) string { return "part/" + bucket + "/" + ghost + "/" }
func chunkKey(bucket, name string, family string, idx int) string {
	if family == "" {
		return "chunk/" + bucket + "/" + name + "/" + strconv.Itoa(idx)
	}
	return "chunk/" + bucket + "/" + name + "/" + family + "/" + strconv.Itoa(idx)
}
func namelistKey(scope string) string { return "namelist/" + scope }

func (s *Store) metaGet(ctx context.Context, key string) ([]byte, error) {
	return s.cluster.Meta().Get(ctx, kvcluster.Partition(key, s.parts), key)
}
func (s *Store) metaSet(ctx context.Context, key string, value []byte) error {
	return s.cluster.Meta().Set(ctx, kvcluster.Partition(key, s.parts), key, value)
}
func (s *Store) metaDelete(ctx context.Context, key string) error {
	return s.cluster.Meta().Delete(ctx, kvcluster.Partition(key, s.parts), key)
}
func (s *Store) metaScan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	return s.cluster.Meta().Scan(ctx, partition, prefix, yield)
}

func (s *Store) dataGet(ctx context.Context, key string) ([]byte, error) {
	return s.cluster.Data().Get(ctx, kvcluster.Partition(key, s.parts), key)
}
func (s *Store) dataSet(ctx context.Context, key string, value []byte) error {
	return s.cluster.Data().Set(ctx, kvcluster.Partition(key, s.parts), key, value)
}
func (s *Store) dataDelete(ctx context.Context, key string) error {
	return s.cluster.Data().Delete(ctx, kvcluster.Partition(key, s.parts), key)
}

// ---- Users ----

// AddUser creates a new user record under the given access/secret pair.
// Callers (the admin surface, cmd/bleepstore-meta seed-user) generate the
// credential pair themselves so that tests can supply deterministic values.
func (s *Store) AddUser(ctx context.Context, u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return newErr(KindIOError, "AddUser", err)
	}
	if err := s.metaSet(ctx, userKey(u.AccessKeyID), data); err != nil {
		return newErr(KindIOError, "AddUser", err)
	}
	return nil
}

// GetUser retrieves the user record for the given access key.
func (s *Store) GetUser(ctx context.Context, accessKey string) (*User, error) {
	data, err := s.metaGet(ctx, userKey(accessKey))
	if err == kvcluster.ErrNotFound {
		return nil, newErr(KindNotFound, "GetUser", err)
	}
	if err != nil {
		return nil, newErr(KindIOError, "GetUser", err)
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, newErr(KindIOError, "GetUser", err)
	}
	return &u, nil
}

// ListUsers returns every user record, discovered by scanning the "user/"
// prefix across every meta partition.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	for p := 0; p < s.parts; p++ {
		err := s.metaScan(ctx, p, "user/", func(key string, value []byte) bool {
			var u User
			if json.Unmarshal(value, &u) == nil {
				users = append(users, u)
			}
			return true
		})
		if err != nil {
			return nil, newErr(KindIOError, "ListUsers", err)
		}
	}
	return users, nil
}

// ---- Buckets ----

// AddBucket writes a new bucket record. Global name uniqueness is checked
// by the caller, which looks up the bucket record before creating it, not
// here; Store only guards against overwriting an existing record.
func (s *Store) AddBucket(ctx context.Context, b *BucketRecord) error {
	if _, err := s.GetBucket(ctx, b.Name); err == nil {
		return newErr(KindIOError, "AddBucket", fmt.Errorf("bucket %q already exists", b.Name))
	}
	data, err := json.Marshal(b)
	if err != nil {
		return newErr(KindIOError, "AddBucket", err)
	}
	if err := s.metaSet(ctx, bucketKey(b.Name), data); err != nil {
		return newErr(KindIOError, "AddBucket", err)
	}
	return nil
}

// GetBucket retrieves the metadata for the named bucket.
func (s *Store) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	data, err := s.metaGet(ctx, bucketKey(name))
	if err == kvcluster.ErrNotFound {
		return nil, newErr(KindNotFound, "GetBucket", err)
	}
	if err != nil {
		return nil, newErr(KindIOError, "GetBucket", err)
	}
	var b BucketRecord
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, newErr(KindIOError, "GetBucket", err)
	}
	return &b, nil
}

// DelBucket removes the named bucket's metadata record. Emptiness is the
// caller's responsibility (checked against the object namelist, §4.7).
func (s *Store) DelBucket(ctx context.Context, name string) error {
	if err := s.metaDelete(ctx, bucketKey(name)); err != nil {
		return newErr(KindIOError, "DelBucket", err)
	}
	return nil
}

// BucketExists reports whether the named bucket has a metadata record.
func (s *Store) BucketExists(ctx context.Context, name string) (bool, error) {
	_, err := s.GetBucket(ctx, name)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateBucketAcl rewrites the ACL on an existing bucket record.
func (s *Store) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	b, err := s.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	b.ACL = acl
	data, err := json.Marshal(b)
	if err != nil {
		return newErr(KindIOError, "UpdateBucketAcl", err)
	}
	if err := s.metaSet(ctx, bucketKey(name), data); err != nil {
		return newErr(KindIOError, "UpdateBucketAcl", err)
	}
	return nil
}

// ---- Objects & chunk striping (§4.6) ----

func chunkCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// AddObject stores obj's metadata and stripes content into fixed-size
// chunks. On any chunk write failure it attempts a best-effort delete of
// the chunks already written and surfaces the original error.
func (s *Store) AddObject(ctx context.Context, obj *ObjectRecord, content []byte) error {
	obj.Size = int64(len(content))
	sum := md5.Sum(content)
	obj.ETag = `"` + hex.EncodeToString(sum[:]) + `"`

	n := chunkCount(obj.Size)
	written := 0
	for i := 0; i < n; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(content) {
			end = len(content)
		}
		key := chunkKey(obj.Bucket, obj.Key, "", i)
		if err := s.dataSet(ctx, key, content[start:end]); err != nil {
			for j := 0; j < written; j++ {
				_ = s.dataDelete(ctx, chunkKey(obj.Bucket, obj.Key, "", j))
			}
			return newErr(KindIOError, "AddObject", err)
		}
		written++
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return newErr(KindIOError, "AddObject", err)
	}
	if err := s.metaSet(ctx, objectKey(obj.Bucket, obj.Key), data); err != nil {
		return newErr(KindIOError, "AddObject", err)
	}
	return nil
}

// GetObject retrieves obj's metadata, and its full content if needContent
// is true, by reading chunks [0, ceil(size/S)) sequentially.
func (s *Store) GetObject(ctx context.Context, bucket, key string, needContent bool) (*ObjectRecord, []byte, error) {
	obj, err := s.getObjectMeta(ctx, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	if !needContent {
		return obj, nil, nil
	}
	content, err := s.readChunkRange(ctx, obj, 0, obj.Size)
	if err != nil {
		return nil, nil, err
	}
	return obj, content, nil
}

func (s *Store) getObjectMeta(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	data, err := s.metaGet(ctx, objectKey(bucket, key))
	if err == kvcluster.ErrNotFound {
		return nil, newErr(KindNotFound, "GetObject", err)
	}
	if err != nil {
		return nil, newErr(KindIOError, "GetObject", err)
	}
	var obj ObjectRecord
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, newErr(KindIOError, "GetObject", err)
	}
	return &obj, nil
}

// GetPartialObject serves a single Range segment [start, end] (inclusive).
// Only the first segment of a multi-range request is ever honored by
// callers (§14 Open Question decision); Store itself only knows about one
// segment. Returns KindEndFile if start is at or past the object's size.
func (s *Store) GetPartialObject(ctx context.Context, bucket, key string, start, end int64) (*ObjectRecord, []byte, error) {
	obj, err := s.getObjectMeta(ctx, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	if start >= obj.Size {
		return nil, nil, newErr(KindEndFile, "GetPartialObject", fmt.Errorf("range start %d >= size %d", start, obj.Size))
	}
	if end >= obj.Size {
		end = obj.Size - 1
	}
	content, err := s.readChunkRange(ctx, obj, start, end+1)
	if err != nil {
		return nil, nil, err
	}
	return obj, content, nil
}

// readChunkRange returns bytes [from, to) of obj's logical content,
// fetching only the chunks that overlap the range. It transparently
// follows obj.ChunkMap when the object is a promoted multipart upload
// whose chunks live under its parts' chunk families instead of its own.
func (s *Store) readChunkRange(ctx context.Context, obj *ObjectRecord, from, to int64) ([]byte, error) {
	if to > obj.Size {
		to = obj.Size
	}
	if from >= to {
		return nil, nil
	}

	firstChunk := int(from / ChunkSize)
	lastChunk := int((to - 1) / ChunkSize)

	var buf bytes.Buffer
	for idx := firstChunk; idx <= lastChunk; idx++ {
		data, err := s.readChunk(ctx, obj, idx)
		if err != nil {
			return nil, err
		}

		chunkStart := int64(idx) * ChunkSize
		loTrim := int64(0)
		if idx == firstChunk {
			loTrim = from - chunkStart
		}
		hiTrim := int64(len(data))
		if idx == lastChunk {
			hiTrim = to - chunkStart
		}
		if loTrim < 0 {
			loTrim = 0
		}
		if hiTrim > int64(len(data)) {
			hiTrim = int64(len(data))
		}
		if loTrim < hiTrim {
			buf.Write(data[loTrim:hiTrim])
		}
	}
	return buf.Bytes(), nil
}

func (s *Store) readChunk(ctx context.Context, obj *ObjectRecord, idx int) ([]byte, error) {
	if obj.ChunkMap != nil {
		if idx < 0 || idx >= len(obj.ChunkMap) {
			return nil, newErr(KindIOError, "readChunk", fmt.Errorf("chunk index %d out of range", idx))
		}
		ref := obj.ChunkMap[idx]
		ghost := InternalPrefix + obj.Key
		key := chunkKey(obj.Bucket, ghost, strconv.Itoa(ref.PartNumber), ref.ChunkIndex)
		data, err := s.dataGet(ctx, key)
		if err != nil {
			return nil, newErr(KindIOError, "readChunk", err)
		}
		return data, nil
	}
	key := chunkKey(obj.Bucket, obj.Key, "", idx)
	data, err := s.dataGet(ctx, key)
	if err != nil {
		return nil, newErr(KindIOError, "readChunk", err)
	}
	return data, nil
}

// DelObject deletes obj's chunks then its metadata. Missing chunks are
// tolerated (best-effort cleanup, logged by the caller); the metadata
// delete itself tolerates NotFound so repeated DELETE calls stay 204.
func (s *Store) DelObject(ctx context.Context, bucket, key string) error {
	obj, err := s.getObjectMeta(ctx, bucket, key)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if err == nil && obj.ChunkMap == nil {
		n := chunkCount(obj.Size)
		for i := 0; i < n; i++ {
			_ = s.dataDelete(ctx, chunkKey(bucket, key, "", i))
		}
	}
	if err := s.metaDelete(ctx, objectKey(bucket, key)); err != nil {
		return newErr(KindIOError, "DelObject", err)
	}
	return nil
}

// ObjectExists reports whether key has a metadata record in bucket.
func (s *Store) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.getObjectMeta(ctx, bucket, key)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateObjectAcl rewrites the ACL on an existing object record.
func (s *Store) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	obj, err := s.getObjectMeta(ctx, bucket, key)
	if err != nil {
		return err
	}
	obj.ACL = acl
	data, err := json.Marshal(obj)
	if err != nil {
		return newErr(KindIOError, "UpdateObjectAcl", err)
	}
	if err := s.metaSet(ctx, objectKey(bucket, key), data); err != nil {
		return newErr(KindIOError, "UpdateObjectAcl", err)
	}
	return nil
}

// ListObjects resolves metadata for the given candidate names (typically
// the bucket's namelist contents, already ordered) and applies
// prefix/delimiter/marker filtering. The namelist itself, not this scan, is
// the source of truth for which names exist (§4.7).
func (s *Store) ListObjects(ctx context.Context, bucket string, names []string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	result := &ListObjectsResult{}
	commonPrefixes := map[string]bool{}

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	after := opts.Marker
	if opts.ContinuationToken != "" {
		after = opts.ContinuationToken
	}
	if opts.StartAfter != "" && after == "" {
		after = opts.StartAfter
	}

	for _, name := range names {
		if len(name) >= InternalPrefixLen && name[:InternalPrefixLen] == InternalPrefix {
			continue // hide multipart ghosts from ordinary listings
		}
		if opts.Prefix != "" && !bytes.HasPrefix([]byte(name), []byte(opts.Prefix)) {
			continue
		}
		if after != "" && name <= after {
			continue
		}

		if opts.Delimiter != "" {
			rest := name[len(opts.Prefix):]
			if idx := indexOf(rest, opts.Delimiter); idx >= 0 {
				cp := opts.Prefix + rest[:idx+len(opts.Delimiter)]
				commonPrefixes[cp] = true
				continue
			}
		}

		if len(result.Objects)+len(commonPrefixes) >= maxKeys {
			result.IsTruncated = true
			result.NextMarker = name
			result.NextContinuationToken = name
			break
		}

		obj, err := s.getObjectMeta(ctx, bucket, name)
		if err != nil {
			if IsNotFound(err) {
				continue // namelist/metadata race (§4.7): self-heals, skip
			}
			return nil, err
		}
		result.Objects = append(result.Objects, *obj)
	}

	for cp := range commonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, cp)
	}
	return result, nil
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
