package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/s3gwd/s3gw/internal/auth"
	s3err "github.com/s3gwd/s3gw/internal/errors"
	"github.com/s3gwd/s3gw/internal/lock"
	"github.com/s3gwd/s3gw/internal/monitor"
	"github.com/s3gwd/s3gw/internal/namelist"
	"github.com/s3gwd/s3gw/internal/store"
	"github.com/s3gwd/s3gw/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	store         *store.Store
	objects       *namelist.Cache
	locks         *lock.Table
	monitor       *monitor.Monitor
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewMultipartHandler creates a new MultipartHandler with the given
// dependencies. objects is the per-bucket object-name namelist cache
// (scope = bucket name); ghost names live in the same namelist as real
// object names (§4.6/§4.7).
func NewMultipartHandler(st *store.Store, objects *namelist.Cache, locks *lock.Table, mon *monitor.Monitor, ownerID, ownerDisplay string, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{
		store:         st,
		objects:       objects,
		locks:         locks,
		monitor:       mon,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

func (h *MultipartHandler) listNames(ctx context.Context, bucketName string) ([]string, error) {
	list, err := h.objects.Ref(ctx, bucketName)
	if err != nil {
		return nil, err
	}
	defer h.objects.Unref(ctx, bucketName)
	names := list.Names()
	out := make([]string, len(names))
	copy(out, names)
	return out, nil
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads and initiates
// a new multipart upload, returning an upload ID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
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

	if _, err := h.store.GetBucket(ctx, bucketName); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("CreateMultipartUpload GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ownerID, ownerDisplay := h.ownerID, h.ownerDisplay
	if ctxOwner, ctxDisplay := auth.OwnerFromContext(ctx); ctxOwner != "" {
		ownerID = ctxOwner
		ownerDisplay = ctxDisplay
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	contentEncoding := r.Header.Get("Content-Encoding")
	contentLanguage := r.Header.Get("Content-Language")
	contentDisposition := r.Header.Get("Content-Disposition")
	cacheControl := r.Header.Get("Cache-Control")
	expires := r.Header.Get("Expires")

	userMeta := extractUserMetadata(r)

	aclJSON := resolveACL(r.Header, ownerID, ownerDisplay)

	now := time.Now().UTC()
	uploadID := store.NewUploadID(key, now)

	upload := &store.MultipartUploadRecord{
		UploadID:           uploadID,
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
		OwnerID:            ownerID,
		OwnerDisplay:       ownerDisplay,
		InitiatedAt:        now,
	}

	if err := h.store.InitiateMultipartUpload(ctx, upload); err != nil {
		slog.Error("CreateMultipartUpload store error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	list, err := h.objects.Ref(ctx, bucketName)
	if err != nil {
		slog.Error("CreateMultipartUpload namelist ref error", "error", err)
	} else {
		list.Insert(upload.GhostName)
		h.objects.Unref(ctx, bucketName)
	}

	result := &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
	}
	xmlutil.RenderInitiateMultipartUpload(w, result)
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID and
// uploads a single part of a multipart upload.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	q := r.URL.Query()

	copySource := r.Header.Get("X-Amz-Copy-Source")
	if copySource != "" {
		h.uploadPartCopy(w, r, bucketName, key, q)
		return
	}

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumberStr := q.Get("partNumber")
	partNumber, err := strconv.Atoi(partNumberStr)
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if h.maxObjectSize > 0 && r.ContentLength > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	upload, err := h.store.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("UploadPart GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("UploadPart body read error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	lockKey := lock.Key(bucketName, key)
	h.locks.Lock(lockKey)
	start := time.Now()
	part, err := h.store.UploadPart(ctx, bucketName, upload.GhostName, partNumber, body)
	elapsed := time.Since(start)
	h.locks.Unlock(lockKey)
	if err != nil {
		slog.Error("UploadPart store error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if h.monitor != nil {
		h.monitor.AddTraffic(bucketName, uint64(part.Size))
		h.monitor.UpdateUpPartTime(elapsed.Microseconds())
	}

	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

// uploadPartCopy handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID with
// X-Amz-Copy-Source header, copying data from an existing object into a part.
func (h *MultipartHandler) uploadPartCopy(w http.ResponseWriter, r *http.Request, bucketName, key string, q map[string][]string) {
	ctx := r.Context()

	uploadID := getQueryValue(q, "uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumberStr := getQueryValue(q, "partNumber")
	partNumber, err := strconv.Atoi(partNumberStr)
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	copySource := r.Header.Get("X-Amz-Copy-Source")
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.store.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("UploadPartCopy GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if _, err := h.store.GetBucket(ctx, srcBucket); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("UploadPartCopy GetBucket (src) error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	srcObj, content, err := h.store.GetObject(ctx, srcBucket, srcKey, true)
	if err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		slog.Error("UploadPartCopy GetObject error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	copyRange := r.Header.Get("X-Amz-Copy-Source-Range")
	if copyRange != "" {
		start, end, rangeErr := parseRange(copyRange, srcObj.Size)
		if rangeErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		content = content[start : end+1]
	}

	lockKey := lock.Key(bucketName, key)
	h.locks.Lock(lockKey)
	start := time.Now()
	part, err := h.store.UploadPart(ctx, bucketName, upload.GhostName, partNumber, content)
	elapsed := time.Since(start)
	h.locks.Unlock(lockKey)
	if err != nil {
		slog.Error("UploadPartCopy store error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if h.monitor != nil {
		h.monitor.AddTraffic(bucketName, uint64(part.Size))
		h.monitor.UpdateUpPartTime(elapsed.Microseconds())
	}

	result := &xmlutil.CopyPartResult{
		ETag:         part.ETag,
		LastModified: xmlutil.FormatTimeS3(part.LastModified),
	}
	xmlutil.RenderCopyPartResult(w, result)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID and
// assembles previously uploaded parts into a complete object.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.store.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("CompleteMultipartUpload GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	parts, err := parseCompleteMultipartXML(r.Body)
	if err != nil {
		slog.Error("CompleteMultipartUpload XML parse error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	if len(parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	storedParts, err := h.store.ListParts(ctx, bucketName, upload.GhostName)
	if err != nil {
		slog.Error("CompleteMultipartUpload ListParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	storedMap := make(map[int]store.PartRecord, len(storedParts))
	for _, sp := range storedParts {
		storedMap[sp.PartNumber] = sp
	}

	const minPartSize = 5 * 1024 * 1024 // 5 MiB
	partNumbers := make([]int, len(parts))
	for i, p := range parts {
		partNumbers[i] = p.PartNumber

		stored, ok := storedMap[p.PartNumber]
		if !ok {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}

		requestedETag := strings.Trim(p.ETag, `"`)
		storedETag := strings.Trim(stored.ETag, `"`)
		if requestedETag != storedETag {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}

		if i < len(parts)-1 && stored.Size < minPartSize {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooSmall)
			return
		}
	}

	lockKey := lock.Key(bucketName, key)
	h.locks.Lock(lockKey)
	obj, err := h.store.CompleteMultiUpload(ctx, bucketName, key, uploadID, partNumbers)
	h.locks.Unlock(lockKey)
	if err != nil {
		slog.Error("CompleteMultipartUpload store error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	list, err := h.objects.Ref(ctx, bucketName)
	if err != nil {
		slog.Error("CompleteMultipartUpload namelist ref error", "error", err)
	} else {
		list.Insert(key)
		list.Delete(upload.GhostName)
		h.objects.Unref(ctx, bucketName)
	}

	location := fmt.Sprintf("/%s/%s", bucketName, key)
	result := &xmlutil.CompleteMultipartUploadResult{
		Location: location,
		Bucket:   bucketName,
		Key:      key,
		ETag:     obj.ETag,
	}
	xmlutil.RenderCompleteMultipartUpload(w, result)
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID and
// cancels an in-progress multipart upload, freeing associated resources.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.store.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("AbortMultipartUpload GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	lockKey := lock.Key(bucketName, key)
	h.locks.Lock(lockKey)
	err = h.store.AbortMultipartUpload(ctx, bucketName, key, uploadID)
	h.locks.Unlock(lockKey)
	if err != nil {
		slog.Error("AbortMultipartUpload store error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	list, err := h.objects.Ref(ctx, bucketName)
	if err != nil {
		slog.Error("AbortMultipartUpload namelist ref error", "error", err)
	} else {
		list.Delete(upload.GhostName)
		h.objects.Unref(ctx, bucketName)
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads and returns a list of
// in-progress multipart uploads for the specified bucket.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
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
		slog.Error("ListMultipartUploads GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")

	maxUploads := 1000
	if mu := q.Get("max-uploads"); mu != "" {
		if parsed, parseErr := strconv.Atoi(mu); parseErr == nil && parsed >= 0 {
			maxUploads = parsed
		}
	}

	opts := store.ListUploadsOptions{
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		Prefix:         prefix,
		Delimiter:      delimiter,
		MaxUploads:     maxUploads,
	}

	names, err := h.listNames(ctx, bucketName)
	if err != nil {
		slog.Error("ListMultipartUploads namelist error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	listResult, err := h.store.ListMultipartUploads(ctx, bucketName, names, opts)
	if err != nil {
		slog.Error("ListMultipartUploads error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:             bucketName,
		KeyMarker:          keyMarker,
		UploadIDMarker:     uploadIDMarker,
		MaxUploads:         maxUploads,
		IsTruncated:        listResult.IsTruncated,
		NextKeyMarker:      listResult.NextKeyMarker,
		NextUploadIDMarker: listResult.NextUploadIDMarker,
	}

	for _, u := range listResult.Uploads {
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:      u.Key,
			UploadID: u.UploadID,
			Initiator: xmlutil.Owner{
				ID:          u.OwnerID,
				DisplayName: u.OwnerDisplay,
			},
			Owner: xmlutil.Owner{
				ID:          u.OwnerID,
				DisplayName: u.OwnerDisplay,
			},
			Initiated: xmlutil.FormatTimeS3(u.InitiatedAt),
		})
	}

	for _, cp := range listResult.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: cp,
		})
	}

	xmlutil.RenderListMultipartUploads(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID and returns a list of
// parts that have been uploaded for the specified multipart upload.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.store.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("ListParts GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	partNumberMarker := 0
	if pm := q.Get("part-number-marker"); pm != "" {
		if parsed, parseErr := strconv.Atoi(pm); parseErr == nil {
			partNumberMarker = parsed
		}
	}

	maxParts := 1000
	if mp := q.Get("max-parts"); mp != "" {
		if parsed, parseErr := strconv.Atoi(mp); parseErr == nil && parsed >= 0 {
			maxParts = parsed
		}
	}

	allParts, err := h.store.ListParts(ctx, bucketName, upload.GhostName)
	if err != nil {
		slog.Error("ListParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var filtered []store.PartRecord
	for _, p := range allParts {
		if p.PartNumber > partNumberMarker {
			filtered = append(filtered, p)
		}
	}

	isTruncated := false
	nextPartNumberMarker := 0
	if len(filtered) > maxParts {
		filtered = filtered[:maxParts]
		isTruncated = true
		nextPartNumberMarker = filtered[len(filtered)-1].PartNumber
	}

	result := &xmlutil.ListPartsResult{
		Bucket:               bucketName,
		Key:                  key,
		UploadID:             uploadID,
		PartNumberMarker:     partNumberMarker,
		NextPartNumberMarker: nextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          isTruncated,
	}

	for _, p := range filtered {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	xmlutil.RenderListParts(w, result)
}

// getQueryValue is a helper to get a value from a url.Values map (which is
// map[string][]string).
func getQueryValue(q map[string][]string, key string) string {
	if vals, ok := q[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}
