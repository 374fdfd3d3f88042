package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// GhostName returns the ghost object name for an in-progress multipart
// upload of objectKey under uploadID.
func GhostName(objectKey, uploadID string) string {
	return InternalPrefix + objectKey + uploadID
}

// NewUploadID derives an opaque upload ID from the object name and the
// current time, matching the original's MD5(object_name || now_us) scheme.
func NewUploadID(objectKey string, now time.Time) string {
	sum := md5.Sum([]byte(objectKey + strconv.FormatInt(now.UnixMicro(), 10)))
	return hex.EncodeToString(sum[:])
}

// InitiateMultipartUpload creates the ghost record for a new multipart
// upload. The caller is responsible for inserting the ghost name into the
// bucket's object namelist.
func (s *Store) InitiateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) error {
	upload.GhostName = GhostName(upload.Key, upload.UploadID)
	data, err := json.Marshal(upload)
	if err != nil {
		return newErr(KindIOError, "InitiateMultipartUpload", err)
	}
	if err := s.metaSet(ctx, objectKey(upload.Bucket, upload.GhostName), data); err != nil {
		return newErr(KindIOError, "InitiateMultipartUpload", err)
	}
	return nil
}

// GetMultipartUpload retrieves the ghost record for bucket/key/uploadID.
func (s *Store) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	ghost := GhostName(key, uploadID)
	data, err := s.metaGet(ctx, objectKey(bucket, ghost))
	if err == kvcluster.ErrNotFound {
		return nil, newErr(KindNotFound, "GetMultipartUpload", err)
	}
	if err != nil {
		return nil, newErr(KindIOError, "GetMultipartUpload", err)
	}
	var upload MultipartUploadRecord
	if err := json.Unmarshal(data, &upload); err != nil {
		return nil, newErr(KindIOError, "GetMultipartUpload", err)
	}
	return &upload, nil
}

// UploadPart writes content as the chunk family for (bucket, ghost,
// partNumber), overwriting any prior chunks for the same part number, and
// records the part's metadata.
func (s *Store) UploadPart(ctx context.Context, bucket, ghost string, partNumber int, content []byte) (*PartRecord, error) {
	// Delete any previous chunks for this part number before rewriting, per
	// §4.6 "re-uploading the same part_number overwrites; old chunks must be
	// deleted first."
	if existing, err := s.getPartMeta(ctx, bucket, ghost, partNumber); err == nil {
		n := chunkCount(existing.Size)
		for i := 0; i < n; i++ {
			_ = s.dataDelete(ctx, chunkKey(bucket, ghost, strconv.Itoa(partNumber), i))
		}
	}

	n := chunkCount(int64(len(content)))
	for i := 0; i < n; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(content) {
			end = len(content)
		}
		key := chunkKey(bucket, ghost, strconv.Itoa(partNumber), i)
		if err := s.dataSet(ctx, key, content[start:end]); err != nil {
			return nil, newErr(KindIOError, "UploadPart", err)
		}
	}

	sum := md5.Sum(content)
	part := &PartRecord{
		UploadID:     ghost,
		PartNumber:   partNumber,
		Size:         int64(len(content)),
		ETag:         `"` + hex.EncodeToString(sum[:]) + `"`,
		LastModified: time.Now().UTC(),
	}
	data, err := json.Marshal(part)
	if err != nil {
		return nil, newErr(KindIOError, "UploadPart", err)
	}
	if err := s.metaSet(ctx, partMetaKey(bucket, ghost, partNumber), data); err != nil {
		return nil, newErr(KindIOError, "UploadPart", err)
	}
	return part, nil
}

func (s *Store) getPartMeta(ctx context.Context, bucket, ghost string, partNumber int) (*PartRecord, error) {
	data, err := s.metaGet(ctx, partMetaKey(bucket, ghost, partNumber))
	if err == kvcluster.ErrNotFound {
		return nil, newErr(KindNotFound, "getPartMeta", err)
	}
	if err != nil {
		return nil, newErr(KindIOError, "getPartMeta", err)
	}
	var part PartRecord
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, newErr(KindIOError, "getPartMeta", err)
	}
	return &part, nil
}

// ListParts enumerates every uploaded part for (bucket, ghost) in ascending
// part-number order.
func (s *Store) ListParts(ctx context.Context, bucket, ghost string) ([]PartRecord, error) {
	var parts []PartRecord
	prefix := partPrefix(bucket, ghost)
	for p := 0; p < s.parts; p++ {
		err := s.metaScan(ctx, p, prefix, func(key string, value []byte) bool {
			var part PartRecord
			if json.Unmarshal(value, &part) == nil {
				parts = append(parts, part)
			}
			return true
		})
		if err != nil {
			return nil, newErr(KindIOError, "ListParts", err)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// CompleteMultiUpload validates the caller-supplied parts against the
// stored part metadata, computes the final etag, and promotes the ghost to
// a real object whose chunk family is a chunk-offset mapping over the
// parts' chunks (§14 "Chunk assembly in CompleteMultiUpload") rather than a
// physical recopy. It does not touch namelists; the caller inserts the
// object name and removes the ghost name under the namelist cache.
func (s *Store) CompleteMultiUpload(ctx context.Context, bucket, key, uploadID string, supplied []int) (*ObjectRecord, error) {
	upload, err := s.GetMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}

	stored, err := s.ListParts(ctx, bucket, upload.GhostName)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]PartRecord, len(stored))
	for _, p := range stored {
		byNumber[p.PartNumber] = p
	}

	for i, n := range supplied {
		if i > 0 && n <= supplied[i-1] {
			return nil, newErr(KindIOError, "CompleteMultiUpload", fmt.Errorf("part numbers must be supplied in increasing order"))
		}
		if _, ok := byNumber[n]; !ok {
			return nil, newErr(KindIOError, "CompleteMultiUpload", fmt.Errorf("part %d was never uploaded", n))
		}
	}

	var chunkMap []ChunkRef
	var totalSize int64
	var digestConcat bytes.Buffer
	for _, n := range supplied {
		p := byNumber[n]
		totalSize += p.Size
		rawEtag := p.ETag
		if len(rawEtag) >= 2 && rawEtag[0] == '"' {
			rawEtag = rawEtag[1 : len(rawEtag)-1]
		}
		raw, err := hex.DecodeString(rawEtag)
		if err != nil {
			return nil, newErr(KindIOError, "CompleteMultiUpload", err)
		}
		digestConcat.Write(raw)

		for c := 0; c < chunkCount(p.Size); c++ {
			chunkMap = append(chunkMap, ChunkRef{PartNumber: n, ChunkIndex: c})
		}
	}

	finalSum := md5.Sum(digestConcat.Bytes())
	finalEtag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(finalSum[:]), len(supplied))

	// Delete any existing object of the same name; NotFound is tolerated
	// (§4.6 CompleteMultipartUpload).
	if err := s.DelObject(ctx, bucket, key); err != nil {
		return nil, err
	}

	obj := &ObjectRecord{
		Bucket:             bucket,
		Key:                key,
		Size:               totalSize,
		ETag:               finalEtag,
		ContentType:        upload.ContentType,
		ContentEncoding:    upload.ContentEncoding,
		ContentLanguage:    upload.ContentLanguage,
		ContentDisposition: upload.ContentDisposition,
		CacheControl:       upload.CacheControl,
		Expires:            upload.Expires,
		StorageClass:       upload.StorageClass,
		ACL:                upload.ACL,
		UserMetadata:       upload.UserMetadata,
		LastModified:       time.Now().UTC(),
		ChunkMap:           chunkMap,
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, newErr(KindIOError, "CompleteMultiUpload", err)
	}
	if err := s.metaSet(ctx, objectKey(bucket, key), data); err != nil {
		return nil, newErr(KindIOError, "CompleteMultiUpload", err)
	}
	if err := s.metaDelete(ctx, objectKey(bucket, upload.GhostName)); err != nil {
		return nil, newErr(KindIOError, "CompleteMultiUpload", err)
	}

	return obj, nil
}

// AbortMultipartUpload deletes the ghost object, its parts' chunks, and its
// part metadata. NotFound on the ghost itself is tolerated.
func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	ghost := GhostName(key, uploadID)
	parts, err := s.ListParts(ctx, bucket, ghost)
	if err != nil {
		return err
	}
	for _, p := range parts {
		n := chunkCount(p.Size)
		for i := 0; i < n; i++ {
			_ = s.dataDelete(ctx, chunkKey(bucket, ghost, strconv.Itoa(p.PartNumber), i))
		}
		_ = s.metaDelete(ctx, partMetaKey(bucket, ghost, p.PartNumber))
	}
	if err := s.metaDelete(ctx, objectKey(bucket, ghost)); err != nil {
		return newErr(KindIOError, "AbortMultipartUpload", err)
	}
	return nil
}

// ListMultipartUploads enumerates in-progress uploads (ghost objects) among
// the given candidate names, typically the bucket's object namelist.
func (s *Store) ListMultipartUploads(ctx context.Context, bucket string, names []string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	result := &ListUploadsResult{}
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	for _, name := range names {
		if len(name) < InternalPrefixLen || name[:InternalPrefixLen] != InternalPrefix {
			continue
		}
		ghost := name
		data, err := s.metaGet(ctx, objectKey(bucket, ghost))
		if err != nil {
			continue // self-heals per §4.7
		}
		var upload MultipartUploadRecord
		if json.Unmarshal(data, &upload) != nil {
			continue
		}
		if opts.Prefix != "" && len(upload.Key) < len(opts.Prefix) {
			continue
		}
		if opts.Prefix != "" && upload.Key[:len(opts.Prefix)] != opts.Prefix {
			continue
		}
		if len(result.Uploads) >= maxUploads {
			result.IsTruncated = true
			result.NextKeyMarker = upload.Key
			result.NextUploadIDMarker = upload.UploadID
			break
		}
		result.Uploads = append(result.Uploads, upload)
	}

	sort.Slice(result.Uploads, func(i, j int) bool {
		if result.Uploads[i].Key != result.Uploads[j].Key {
			return result.Uploads[i].Key < result.Uploads[j].Key
		}
		return result.Uploads[i].UploadID < result.Uploads[j].UploadID
	})
	return result, nil
}

// ListExpiredUploads returns every multipart upload among names whose
// InitiatedAt is older than ttlSeconds, for crash-only startup reaping
// (§9 "Crash-only startup").
func (s *Store) ListExpiredUploads(ctx context.Context, bucket string, names []string, ttlSeconds int) ([]ExpiredUpload, error) {
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second)
	var expired []ExpiredUpload
	for _, name := range names {
		if len(name) < InternalPrefixLen || name[:InternalPrefixLen] != InternalPrefix {
			continue
		}
		data, err := s.metaGet(ctx, objectKey(bucket, name))
		if err != nil {
			continue
		}
		var upload MultipartUploadRecord
		if json.Unmarshal(data, &upload) != nil {
			continue
		}
		if upload.InitiatedAt.Before(cutoff) {
			expired = append(expired, ExpiredUpload{
				UploadID:   upload.UploadID,
				BucketName: bucket,
				ObjectKey:  upload.Key,
				GhostName:  upload.GhostName,
			})
		}
	}
	return expired, nil
}
