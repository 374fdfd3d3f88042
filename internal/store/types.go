package store

import (
	"encoding/json"
	"time"
)

// InternalPrefixLen is the length of the reserved sentinel that marks
// multipart-upload ghost objects and in-flight internal names. Every call
// site that strips or compares against the prefix uses this constant
// instead of a literal 2 or len(InternalPrefix).
const InternalPrefixLen = 2

// InternalPrefix is the reserved two-character sentinel itself.
const InternalPrefix = "__"

// IsInternalName reports whether name begins with the reserved internal
// prefix, i.e. it is (or would collide with) a multipart-upload ghost name.
// User-facing object names starting with this prefix are rejected by the
// router (§4.5); it is never valid for a client to address one directly.
func IsInternalName(name string) bool {
	return len(name) >= InternalPrefixLen && name[:InternalPrefixLen] == InternalPrefix
}

// ChunkSize is the maximum payload size of a single stored chunk.
const ChunkSize = 1 << 20 // 1 MiB

// User holds a single access/secret credential pair plus identity fields.
// BleepStore's one-user-one-key model (carried over from the teacher) means
// a User record *is* a credential record; AccessKeyID is the record's key.
type User struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AccessKeyID string    `json:"access_key_id"`
	SecretKey   string    `json:"secret_key"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// BucketRecord represents the metadata for a single bucket.
type BucketRecord struct {
	Name         string          `json:"name"`
	Region       string          `json:"region"`
	OwnerID      string          `json:"owner_id"`
	OwnerDisplay string          `json:"owner_display"`
	ACL          json.RawMessage `json:"acl,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ObjectRecord represents the metadata for a single stored object. Content
// bytes live in the data table as chunks (§4.6); this record only carries
// the size and the chunk-offset mapping for promoted multipart uploads.
type ObjectRecord struct {
	Bucket             string          `json:"bucket"`
	Key                string          `json:"key"`
	Size               int64           `json:"size"`
	ETag               string          `json:"etag"`
	ContentType        string          `json:"content_type"`
	ContentEncoding    string          `json:"content_encoding"`
	ContentLanguage    string          `json:"content_language"`
	ContentDisposition string          `json:"content_disposition"`
	CacheControl       string          `json:"cache_control"`
	Expires            string          `json:"expires"`
	StorageClass       string          `json:"storage_class"`
	ACL                json.RawMessage `json:"acl,omitempty"`
	UserMetadata       map[string]string `json:"user_metadata,omitempty"`
	LastModified       time.Time       `json:"last_modified"`
	DeleteMarker       bool            `json:"delete_marker,omitempty"`

	// ChunkMap, when non-nil, means this object's chunks are not stored
	// contiguously under its own name but are instead borrowed from a
	// completed multipart upload's part chunk families (§14 "Chunk assembly
	// in CompleteMultiUpload"). Each entry names the (part number, chunk
	// index within that part) that supplies the object's Nth chunk.
	ChunkMap []ChunkRef `json:"chunk_map,omitempty"`
}

// ChunkRef names one chunk contributed by a completed multipart upload's
// part, used to assemble the promoted object's chunk family without
// physically recopying part data.
type ChunkRef struct {
	PartNumber int `json:"part_number"`
	ChunkIndex int `json:"chunk_index"`
}

// PartRecord represents the metadata for a single uploaded multipart part.
type PartRecord struct {
	UploadID     string    `json:"upload_id"`
	PartNumber   int       `json:"part_number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// MultipartUploadRecord represents the metadata for an in-progress
// multipart upload, keyed by its ghost object name
// (InternalPrefix + ObjectKey + UploadID).
type MultipartUploadRecord struct {
	UploadID           string            `json:"upload_id"`
	Bucket             string            `json:"bucket"`
	Key                string            `json:"key"`
	GhostName          string            `json:"ghost_name"`
	ContentType        string            `json:"content_type"`
	ContentEncoding    string            `json:"content_encoding"`
	ContentLanguage    string            `json:"content_language"`
	ContentDisposition string            `json:"content_disposition"`
	CacheControl       string            `json:"cache_control"`
	Expires            string            `json:"expires"`
	StorageClass       string            `json:"storage_class"`
	ACL                json.RawMessage   `json:"acl,omitempty"`
	UserMetadata       map[string]string `json:"user_metadata,omitempty"`
	OwnerID            string            `json:"owner_id"`
	OwnerDisplay       string            `json:"owner_display"`
	InitiatedAt        time.Time         `json:"initiated_at"`
}

// ListObjectsOptions specifies filtering and pagination options for listing
// objects. Callers obtain the candidate name set from internal/namelist and
// pass it in via Names; Store only resolves metadata for those names.
type ListObjectsOptions struct {
	Prefix            string
	Delimiter         string
	Marker            string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

// ListObjectsResult holds the result of a list objects operation.
type ListObjectsResult struct {
	Objects               []ObjectRecord
	CommonPrefixes        []string
	IsTruncated           bool
	NextMarker            string
	NextContinuationToken string
}

// ListUploadsOptions specifies filtering and pagination options for listing
// multipart uploads.
type ListUploadsOptions struct {
	KeyMarker      string
	UploadIDMarker string
	Prefix         string
	Delimiter      string
	MaxUploads     int
}

// ListUploadsResult holds the result of a list multipart uploads operation.
type ListUploadsResult struct {
	Uploads            []MultipartUploadRecord
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// ListPartsOptions specifies filtering and pagination options for listing
// parts of one multipart upload.
type ListPartsOptions struct {
	PartNumberMarker int
	MaxParts         int
}

// ListPartsResult holds the result of a list parts operation.
type ListPartsResult struct {
	Parts                []PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

// ExpiredUpload holds the identifying fields of an expired multipart
// upload, returned by ListExpiredUploads so the caller can clean it up.
type ExpiredUpload struct {
	UploadID   string
	BucketName string
	ObjectKey  string
	GhostName  string
}
