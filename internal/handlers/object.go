// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/s3gwd/s3gw/internal/errors"
	"github.com/s3gwd/s3gw/internal/lock"
	"github.com/s3gwd/s3gw/internal/monitor"
	"github.com/s3gwd/s3gw/internal/namelist"
	"github.com/s3gwd/s3gw/internal/store"
	"github.com/s3gwd/s3gw/internal/xmlutil"
)

// ObjectHandler contains handlers for S3 object-level operations.
type ObjectHandler struct {
	store        *store.Store
	objects      *namelist.Cache
	locks        *lock.Table
	monitor      *monitor.Monitor
	ownerID      string
	ownerDisplay string
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
// objects is the per-bucket object-name namelist cache (scope = bucket
// name); locks serializes writes to the same bucket/key pair (§4.2/C3).
func NewObjectHandler(st *store.Store, objects *namelist.Cache, locks *lock.Table, mon *monitor.Monitor, ownerID, ownerDisplay string) *ObjectHandler {
	return &ObjectHandler{
		store:        st,
		objects:      objects,
		locks:        locks,
		monitor:      mon,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
	}
}

// PutObject handles PUT /{bucket}/{object} and stores an object in the
// specified bucket. Content is buffered and striped into fixed-size chunks
// (§4.6) before the metadata record is committed; readers never observe a
// half-written object because the metadata Set happens last.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	// Object names beginning with the reserved internal prefix denote
	// multipart ghosts (§3/§4.6) and are never user-addressable (§4.5).
	if store.IsInternalName(key) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		return
	}

	// Validate key length (max 1024 bytes per S3 spec).
	if len(key) > 1024 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}

	// Verify bucket exists.
	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("PutObject GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	// Extract content type, defaulting to application/octet-stream.
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Extract user metadata (x-amz-meta-* headers).
	userMeta := extractUserMetadata(r)

	// Extract optional content headers.
	contentEncoding := r.Header.Get("Content-Encoding")
	contentLanguage := r.Header.Get("Content-Language")
	contentDisposition := r.Header.Get("Content-Disposition")
	cacheControl := r.Header.Get("Cache-Control")
	expires := r.Header.Get("Expires")

	// Build ACL: canned ACL (x-amz-acl), then grant headers, then private.
	aclJSON := resolveACL(r.Header, h.ownerID, h.ownerDisplay)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("PutObject body read error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	objRecord := &store.ObjectRecord{
		Bucket:             bucketName,
		Key:                key,
		ContentType:        contentType,
		ContentEncoding:    contentEncoding,
		ContentLanguage:    contentLanguage,
		ContentDisposition: contentDisposition,
		CacheControl:       cacheControl,
		Expires:            expires,
		StorageClass:       "STANDARD",
		ACL:                aclJSON,
		UserMetadata:       userMeta,
		LastModified:       now,
	}

	lockKey := lock.Key(bucketName, key)
	h.locks.Lock(lockKey)
	err = h.store.AddObject(ctx, objRecord, body)
	h.locks.Unlock(lockKey)
	if err != nil {
		slog.Error("PutObject store error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	list, err := h.objects.Ref(ctx, bucketName)
	if err != nil {
		slog.Error("PutObject namelist ref error", "error", err)
	} else {
		list.Insert(key)
		h.objects.Unref(ctx, bucketName)
	}

	if h.monitor != nil {
		h.monitor.AddTraffic(bucketName, uint64(objRecord.Size))
	}

	w.Header().Set("ETag", objRecord.ETag)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object} and retrieves the object data
// and metadata from the specified bucket. Supports range requests (Range header)
// and conditional requests (If-Match, If-None-Match, If-Modified-Since,
// If-Unmodified-Since).
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("GetObject GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	// Check for range request up front so we only fetch the bytes we need.
	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		objMeta, content, err := h.store.GetObject(ctx, bucketName, key, true)
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		if err != nil {
			slog.Error("GetObject store error", "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}

		if statusCode, skip := checkConditionalHeaders(r, objMeta.ETag, objMeta.LastModified); skip {
			w.Header().Set("ETag", objMeta.ETag)
			w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(objMeta.LastModified))
			if statusCode == http.StatusNotModified {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
			return
		}

		setObjectResponseHeaders(w, objMeta)
		applyResponseOverrides(w, r)
		w.WriteHeader(http.StatusOK)
		w.Write(content)

		if h.monitor != nil {
			h.monitor.AddTraffic(bucketName, uint64(len(content)))
		}
		return
	}

	objMeta, err := h.store.GetObject(ctx, bucketName, key, false)
	if store.IsNotFound(err) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}
	if err != nil {
		slog.Error("GetObject meta error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, objMeta.ETag, objMeta.LastModified); skip {
		w.Header().Set("ETag", objMeta.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(objMeta.LastModified))
		if statusCode == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	start, end, rangeErr := parseRange(rangeHeader, objMeta.Size)
	if rangeErr != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", objMeta.Size))
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
		return
	}

	_, content, err := h.store.GetPartialObject(ctx, bucketName, key, start, end)
	if err != nil {
		slog.Error("GetObject partial read error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	setObjectResponseHeaders(w, objMeta)
	applyResponseOverrides(w, r)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, objMeta.Size))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(content)

	if h.monitor != nil {
		h.monitor.AddTraffic(bucketName, uint64(len(content)))
	}
}

// HeadObject handles HEAD /{bucket}/{object} and returns the object metadata
// without the object body. Supports conditional requests (If-Match,
// If-None-Match, If-Modified-Since, If-Unmodified-Since).
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("HeadObject GetBucket error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	objMeta, _, err := h.store.GetObject(ctx, bucketName, key, false)
	if store.IsNotFound(err) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("HeadObject error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, objMeta.ETag, objMeta.LastModified); skip {
		w.Header().Set("ETag", objMeta.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(objMeta.LastModified))
		w.WriteHeader(statusCode)
		return
	}

	setObjectResponseHeaders(w, objMeta)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{object} and removes the specified
// object from the bucket. Idempotent: deleting a non-existent object returns 204.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("DeleteObject GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	lockKey := lock.Key(bucketName, key)
	h.locks.Lock(lockKey)
	err := h.store.DelObject(ctx, bucketName, key)
	h.locks.Unlock(lockKey)
	if err != nil {
		slog.Error("DeleteObject error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if list, err := h.objects.Ref(ctx, bucketName); err != nil {
		slog.Error("DeleteObject namelist ref error", "error", err)
	} else {
		list.Delete(key)
		h.objects.Unref(ctx, bucketName)
	}

	// S3 always returns 204 for DeleteObject, even if the key didn't exist.
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete and performs a multi-object
// delete operation. The request body contains an XML list of keys to delete.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)

	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("DeleteObjects GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	deleteReq, err := parseDeleteRequest(r.Body)
	if err != nil {
		slog.Error("DeleteObjects XML parse error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	result := &xmlutil.DeleteResult{}

	list, listErr := h.objects.Ref(ctx, bucketName)

	for _, obj := range deleteReq.Objects {
		lockKey := lock.Key(bucketName, obj.Key)
		h.locks.Lock(lockKey)
		delErr := h.store.DelObject(ctx, bucketName, obj.Key)
		h.locks.Unlock(lockKey)
		if delErr != nil {
			slog.Error("DeleteObjects error", "key", obj.Key, "error", delErr)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     obj.Key,
				Code:    "InternalError",
				Message: "We encountered an internal error. Please try again.",
			})
			continue
		}
		if listErr == nil {
			list.Delete(obj.Key)
		}
		if !deleteReq.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}

	if listErr == nil {
		h.objects.Unref(ctx, bucketName)
	}

	xmlutil.RenderDeleteResult(w, result)
}

// CopyObject handles PUT /{bucket}/{object} with an X-Amz-Copy-Source header,
// copying an object from one location to another. Supports x-amz-metadata-directive:
// COPY (default, copy source metadata) or REPLACE (use request headers).
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	dstBucket := extractBucketName(r)
	dstKey := extractObjectKey(r)

	if dstKey == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	copySource := r.Header.Get("X-Amz-Copy-Source")
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, err := h.store.GetBucket(ctx, dstBucket); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("CopyObject GetBucket (dst) error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if _, err := h.store.GetBucket(ctx, srcBucket); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("CopyObject GetBucket (src) error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	srcObj, content, err := h.store.GetObject(ctx, srcBucket, srcKey, true)
	if store.IsNotFound(err) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}
	if err != nil {
		slog.Error("CopyObject GetObject (src) error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if !proceedCopyConditionals(w, r, srcObj) {
		return
	}

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	if directive == "" {
		directive = "COPY"
	}

	now := time.Now().UTC()
	var dstObj *store.ObjectRecord

	if directive == "REPLACE" {
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		userMeta := extractUserMetadata(r)

		aclJSON := resolveACL(r.Header, h.ownerID, h.ownerDisplay)

		dstObj = &store.ObjectRecord{
			Bucket:             dstBucket,
			Key:                dstKey,
			ContentType:        contentType,
			ContentEncoding:    r.Header.Get("Content-Encoding"),
			ContentLanguage:    r.Header.Get("Content-Language"),
			ContentDisposition: r.Header.Get("Content-Disposition"),
			CacheControl:       r.Header.Get("Cache-Control"),
			Expires:            r.Header.Get("Expires"),
			StorageClass:       "STANDARD",
			ACL:                aclJSON,
			UserMetadata:       userMeta,
			LastModified:       now,
		}
	} else {
		dstObj = &store.ObjectRecord{
			Bucket:             dstBucket,
			Key:                dstKey,
			ContentType:        srcObj.ContentType,
			ContentEncoding:    srcObj.ContentEncoding,
			ContentLanguage:    srcObj.ContentLanguage,
			ContentDisposition: srcObj.ContentDisposition,
			CacheControl:       srcObj.CacheControl,
			Expires:            srcObj.Expires,
			StorageClass:       srcObj.StorageClass,
			ACL:                srcObj.ACL,
			UserMetadata:       srcObj.UserMetadata,
			LastModified:       now,
		}
	}

	lockKey := lock.Key(dstBucket, dstKey)
	h.locks.Lock(lockKey)
	err = h.store.AddObject(ctx, dstObj, content)
	h.locks.Unlock(lockKey)
	if err != nil {
		slog.Error("CopyObject store error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if list, err := h.objects.Ref(ctx, dstBucket); err != nil {
		slog.Error("CopyObject namelist ref error", "error", err)
	} else {
		list.Insert(dstKey)
		h.objects.Unref(ctx, dstBucket)
	}

	result := &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(now),
		ETag:         dstObj.ETag,
	}
	xmlutil.RenderCopyObject(w, result)
}

// proceedCopyConditionals evaluates x-amz-copy-source-if-* headers against
// the source object and writes a PreconditionFailed response if they fail.
func proceedCopyConditionals(w http.ResponseWriter, r *http.Request, src *store.ObjectRecord) bool {
	proceed, errResp := checkCopySourceConditionals(r, src.ETag, src.LastModified)
	if !proceed {
		xmlutil.WriteErrorResponse(w, r, errResp)
		return false
	}
	return true
}

// ListObjectsV2 handles GET /{bucket}?list-type=2 and returns a listing of
// objects in the bucket using the V2 API format.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("ListObjectsV2 GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	continuationToken := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, err := strconv.Atoi(mk); err == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}

	opts := store.ListObjectsOptions{
		Prefix:            prefix,
		Delimiter:         delimiter,
		StartAfter:        startAfter,
		ContinuationToken: continuationToken,
		MaxKeys:           maxKeys,
	}

	names, err := h.listNames(ctx, bucketName)
	if err != nil {
		slog.Error("ListObjectsV2 namelist error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	listResult, err := h.store.ListObjects(ctx, bucketName, names, opts)
	if err != nil {
		slog.Error("ListObjectsV2 ListObjects error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListBucketV2Result{
		Name:         bucketName,
		Prefix:       prefix,
		MaxKeys:      maxKeys,
		KeyCount:     len(listResult.Objects),
		IsTruncated:  listResult.IsTruncated,
		EncodingType: encodingType,
	}

	if delimiter != "" {
		result.Delimiter = delimiter
	}
	if startAfter != "" {
		result.StartAfter = startAfter
	}
	if continuationToken != "" {
		result.ContinuationToken = continuationToken
	}
	if listResult.IsTruncated && listResult.NextContinuationToken != "" {
		result.NextContinuationToken = listResult.NextContinuationToken
	}

	for _, obj := range listResult.Objects {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          obj.Key,
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: obj.StorageClass,
		})
	}
	for _, cp := range listResult.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: cp})
	}

	if h.monitor != nil {
		h.monitor.AddQueryNum(bucketName, 1)
	}

	xmlutil.RenderListObjectsV2(w, result)
}

// ListObjects handles GET /{bucket} and returns a listing of objects in the
// bucket using the V1 API format.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("ListObjects GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, err := strconv.Atoi(mk); err == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}

	opts := store.ListObjectsOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
		Marker:    marker,
		MaxKeys:   maxKeys,
	}

	names, err := h.listNames(ctx, bucketName)
	if err != nil {
		slog.Error("ListObjects namelist error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	listResult, err := h.store.ListObjects(ctx, bucketName, names, opts)
	if err != nil {
		slog.Error("ListObjects ListObjects error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListBucketResult{
		Name:        bucketName,
		Prefix:      prefix,
		Marker:      marker,
		MaxKeys:     maxKeys,
		IsTruncated: listResult.IsTruncated,
	}

	if delimiter != "" {
		result.Delimiter = delimiter
	}
	if listResult.IsTruncated && listResult.NextMarker != "" {
		result.NextMarker = listResult.NextMarker
	}

	for _, obj := range listResult.Objects {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          obj.Key,
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: obj.StorageClass,
		})
	}
	for _, cp := range listResult.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: cp})
	}

	if h.monitor != nil {
		h.monitor.AddQueryNum(bucketName, 1)
	}

	xmlutil.RenderListObjects(w, result)
}

// listNames returns a snapshot of the bucket's object-name namelist.
func (h *ObjectHandler) listNames(ctx context.Context, bucketName string) ([]string, error) {
	list, err := h.objects.Ref(ctx, bucketName)
	if err != nil {
		return nil, err
	}
	names := list.Names()
	h.objects.Unref(ctx, bucketName)
	return names, nil
}

// GetObjectAcl handles GET /{bucket}/{object}?acl and returns the access
// control list for the specified object.
func (h *ObjectHandler) GetObjectAcl(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("GetObjectAcl GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	objMeta, _, err := h.store.GetObject(ctx, bucketName, key, false)
	if store.IsNotFound(err) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}
	if err != nil {
		slog.Error("GetObjectAcl GetObject error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	acp := aclFromJSON(objMeta.ACL)
	if acp == nil {
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}
	acp.Owner = xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay}

	xmlutil.RenderAccessControlPolicy(w, acp)
}

// PutObjectAcl handles PUT /{bucket}/{object}?acl and sets the access
// control list for the specified object.
func (h *ObjectHandler) PutObjectAcl(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("PutObjectAcl GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if _, _, err := h.store.GetObject(ctx, bucketName, key, false); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		slog.Error("PutObjectAcl GetObject error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var acp *xmlutil.AccessControlPolicy

	cannedACL := r.Header.Get("x-amz-acl")
	if cannedACL != "" {
		acp = parseCannedACL(cannedACL, h.ownerID, h.ownerDisplay)
	} else if hasGrantHeaders(r.Header) {
		if granted := parseGrantHeaders(r.Header, h.ownerID, h.ownerDisplay); granted != nil {
			acp = granted
		} else {
			acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
		}
	} else if r.ContentLength > 0 {
		body, readErr := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB max
		if readErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
		acp = &xmlutil.AccessControlPolicy{}
		if xmlErr := xml.Unmarshal(body, acp); xmlErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
	} else {
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}

	aclJSON := aclToJSON(acp)
	if err := h.store.UpdateObjectAcl(ctx, bucketName, key, aclJSON); err != nil {
		slog.Error("PutObjectAcl update error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// extractObjectKey extracts the object key from the request URL path.
// The key is everything after the bucket name in the path.
func extractObjectKey(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}
