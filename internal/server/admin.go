package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/s3gwd/s3gw/internal/store"
	"github.com/s3gwd/s3gw/internal/uid"
)

// adminUser is the JSON shape returned by GET /admin_list_users. Secret keys
// are never serialized here, mirroring internal/serialization's existing
// credential redaction.
type adminUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AccessKey   string `json:"access_key"`
}

// adminNewUser is the one-time response body for PUT /admin_put_user/<name>,
// the only place the generated secret key is ever returned.
type adminNewUser struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// adminRoutes builds the admin HTTP surface (§9): five routes served on
// Server.AdminPort, independent of the data-plane router and its auth
// middleware. Operators are expected to restrict network access to this
// port themselves (spec.md treats it as a trusted operational interface).
func (s *Server) adminRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/admin_list_users", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		users, err := s.store.ListUsers(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]adminUser, 0, len(users))
		for _, u := range users {
			out = append(out, adminUser{UserID: u.UserID, DisplayName: u.DisplayName, AccessKey: u.AccessKeyID})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/admin_put_user/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/admin_put_user/")
		if name == "" {
			http.Error(w, "missing user name", http.StatusBadRequest)
			return
		}
		accessKey := uid.AccessKeyID()
		secretKey := uid.SecretKey()
		u := &store.User{
			UserID:      name,
			DisplayName: name,
			AccessKeyID: accessKey,
			SecretKey:   secretKey,
			Active:      true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.AddUser(r.Context(), u); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(adminNewUser{AccessKey: accessKey, SecretKey: secretKey})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap := s.monitor.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	mux.HandleFunc("/update_bucket_vol", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.recountBucketVolume(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/reset_status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.monitor.Reset()
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

// recountBucketVolume walks the bucket namelist and, for each bucket, its
// object namelist, re-deriving AddQueryNum/AddTraffic from the current
// object set. Errors on individual buckets/objects are logged and skipped
// (best effort); the route never fails the whole recount over one bad
// bucket.
func (s *Server) recountBucketVolume(ctx context.Context) {
	bucketList, err := s.buckets.Ref(ctx, bucketListScope)
	if err != nil {
		slog.Error("update_bucket_vol: loading bucket namelist", "error", err)
		return
	}
	names := bucketList.Names()
	s.buckets.Unref(ctx, bucketListScope)

	for _, bucketName := range names {
		objList, err := s.objects.Ref(ctx, bucketName)
		if err != nil {
			slog.Error("update_bucket_vol: loading object namelist", "bucket", bucketName, "error", err)
			continue
		}
		objectNames := objList.Names()
		s.objects.Unref(ctx, bucketName)

		var totalBytes uint64
		for _, key := range objectNames {
			if store.IsInternalName(key) {
				continue // ghost multipart upload, not a counted object
			}
			obj, _, err := s.store.GetObject(ctx, bucketName, key, false)
			if err != nil {
				continue
			}
			totalBytes += uint64(obj.Size)
		}
		s.monitor.AddQueryNum(bucketName, uint64(len(objectNames)))
		s.monitor.AddTraffic(bucketName, totalBytes)
	}
}
