// Package main is the entry point for the BleepStore S3-compatible object storage gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/s3gwd/s3gw/internal/cluster"
	"github.com/s3gwd/s3gw/internal/config"
	"github.com/s3gwd/s3gw/internal/kvcluster"
	"github.com/s3gwd/s3gw/internal/logging"
	"github.com/s3gwd/s3gw/internal/metadata"
	"github.com/s3gwd/s3gw/internal/server"
	"github.com/s3gwd/s3gw/internal/storage"
	"github.com/s3gwd/s3gw/internal/store"
)

func main() {
	configPath := flag.String("config", "bleepstore.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if cfg.Server.PidFile != "" {
		if err := os.WriteFile(cfg.Server.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			slog.Warn("failed to write pid file", "path", cfg.Server.PidFile, "error", err)
		}
	}

	// Crash-only design: every startup is recovery. There is no separate
	// recovery mode; the steps that would be "recovery" elsewhere run on
	// every boot below: opening the meta/data tables (SQLite WAL
	// auto-recovers, local backends clean orphan temp files), seeding
	// default credentials, and reaping expired multipart uploads.
	ctx := context.Background()

	metaTable, err := openMetaTable(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open meta table: %v\n", err)
		os.Exit(1)
	}
	dataTable, err := openDataTable(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open data table: %v\n", err)
		os.Exit(1)
	}

	if cfg.Cluster.Enabled && len(cfg.Cluster.MetaAddrs) > 1 {
		ring := cluster.NewRing(cfg.Cluster.MetaAddrs)
		localAddr := cfg.Cluster.BindAddr
		if localAddr == "" {
			localAddr = cfg.Cluster.NodeID
		}
		metaTable = cluster.NewRemoteTable(ring, localAddr, metaTable, "meta")
		if cfg.Cluster.BindAddr != "" {
			kvMux := http.NewServeMux()
			cluster.ServeKV(kvMux, metaTable, dataTable)
			go func() {
				slog.Info("kvserver listening", "addr", cfg.Cluster.BindAddr)
				if err := http.ListenAndServe(cfg.Cluster.BindAddr, kvMux); err != nil && err != http.ErrServerClosed {
					slog.Error("kvserver exited", "error", err)
				}
			}()
		}
	}

	kv := kvcluster.NewCluster(metaTable, dataTable, kvcluster.DefaultPartitionCount)
	st := store.New(kv)
	defer st.Close()

	if err := seedDefaultUser(ctx, st, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed default user: %v\n", err)
		os.Exit(1)
	}

	reapExpiredUploads(ctx, st, cfg)

	srv, err := server.New(cfg, server.WithStore(st))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	flushInterval := cfg.Server.MonitorFlushSeconds
	if flushInterval <= 0 {
		flushInterval = 30
	}
	stopFlush := make(chan struct{})
	go monitorFlushLoop(ctx, srv, time.Duration(flushInterval)*time.Second, stopFlush)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminPort)

	errCh := make(chan error, 2)
	go func() {
		log.Printf("BleepStore listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		log.Printf("BleepStore admin surface listening on %s", adminAddr)
		if err := srv.ListenAndServeAdmin(adminAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
		close(stopFlush)

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		log.Printf("Server stopped.")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// openMetaTable constructs the meta-table kvcluster.Table named by
// cfg.Metadata.Engine. Every engine is a real backend implementing
// kvcluster.Table (internal/metadata); nothing here understands buckets or
// objects, only the Get/Set/Delete/Scan contract internal/store depends on.
func openMetaTable(ctx context.Context, cfg *config.Config) (kvcluster.Table, error) {
	switch cfg.Metadata.Engine {
	case "memory":
		return metadata.NewMemoryStore(), nil
	case "local":
		return metadata.NewLocalStore(&cfg.Metadata.Local)
	case "dynamodb":
		return metadata.NewDynamoDBStore(&cfg.Metadata.DynamoDB)
	case "firestore":
		return metadata.NewFirestoreStore(ctx, &cfg.Metadata.Firestore)
	case "cosmos":
		return metadata.NewCosmosStore(ctx, &cfg.Metadata.Cosmos)
	default:
		return metadata.NewSQLiteStore(cfg.Metadata.SQLite.Path)
	}
}

// openDataTable constructs the data-table kvcluster.Table named by
// cfg.Storage.Backend (internal/storage).
func openDataTable(ctx context.Context, cfg *config.Config) (kvcluster.Table, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryBackend(cfg.Storage.Memory.MaxSizeBytes, cfg.Storage.Memory.Persistence, cfg.Storage.Memory.SnapshotPath, cfg.Storage.Memory.SnapshotIntervalSeconds)
	case "sqlite":
		return storage.NewSQLiteBackend(cfg.Storage.Local.RootDir)
	case "aws":
		c := cfg.Storage.AWS
		if c.Bucket == "" {
			return nil, fmt.Errorf("storage.aws.bucket is required when backend is %q", cfg.Storage.Backend)
		}
		region := c.Region
		if region == "" {
			region = "us-east-1"
		}
		return storage.NewAWSGatewayBackend(ctx, c.Bucket, region, c.Prefix, c.EndpointURL, c.UsePathStyle, c.AccessKeyID, c.SecretAccessKey)
	case "gcp":
		c := cfg.Storage.GCP
		if c.Bucket == "" {
			return nil, fmt.Errorf("storage.gcp.bucket is required when backend is %q", cfg.Storage.Backend)
		}
		return storage.NewGCPGatewayBackend(ctx, c.Bucket, c.Project, c.Prefix)
	case "azure":
		c := cfg.Storage.Azure
		if c.Container == "" {
			return nil, fmt.Errorf("storage.azure.container is required when backend is %q", cfg.Storage.Backend)
		}
		accountURL := c.AccountURL
		if accountURL == "" {
			if c.Account == "" {
				return nil, fmt.Errorf("storage.azure.account or storage.azure.account_url is required when backend is %q", cfg.Storage.Backend)
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", c.Account)
		}
		return storage.NewAzureGatewayBackend(ctx, c.Container, accountURL, c.Prefix)
	default:
		root := cfg.Storage.Local.RootDir
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating local storage root: %w", err)
		}
		backend, err := storage.NewLocalBackend(root)
		if err != nil {
			return nil, err
		}
		if err := backend.CleanTempFiles(); err != nil {
			slog.Warn("failed to clean temp files", "error", err)
		}
		return backend, nil
	}
}

// seedDefaultUser creates the default credential record from cfg.Auth if it
// does not already exist. This runs on every startup as part of crash-only
// recovery, mirroring the original's "admin_put_user" bootstrap step.
func seedDefaultUser(ctx context.Context, st *store.Store, cfg *config.Config) error {
	if _, err := st.GetUser(ctx, cfg.Auth.AccessKey); err == nil {
		return nil
	}
	u := &store.User{
		UserID:      cfg.Auth.AccessKey,
		DisplayName: cfg.Auth.AccessKey,
		AccessKeyID: cfg.Auth.AccessKey,
		SecretKey:   cfg.Auth.SecretKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.AddUser(ctx, u); err != nil {
		return err
	}
	slog.Info("seeded default credentials", "access_key", cfg.Auth.AccessKey)
	return nil
}

// reapExpiredUploads walks every bucket's object namelist at startup and
// aborts any multipart upload whose ghost object has been in flight longer
// than cfg.Server.UploadTTLSeconds (§9 "Crash-only startup"). Best-effort:
// a bucket or namelist that cannot be read is logged and skipped, never
// fatal.
func reapExpiredUploads(ctx context.Context, st *store.Store, cfg *config.Config) {
	ttl := cfg.Server.UploadTTLSeconds
	if ttl <= 0 {
		ttl = 7 * 24 * 3600
	}

	bucketNames, err := st.GetNameList(ctx, "buckets")
	if err != nil {
		slog.Warn("startup reap: failed to load bucket namelist", "error", err)
		return
	}

	for _, bucket := range bucketNames {
		objectNames, err := st.GetNameList(ctx, bucket)
		if err != nil {
			slog.Warn("startup reap: failed to load object namelist", "bucket", bucket, "error", err)
			continue
		}
		expired, err := st.ListExpiredUploads(ctx, bucket, objectNames, ttl)
		if err != nil {
			slog.Warn("startup reap: failed to list expired uploads", "bucket", bucket, "error", err)
			continue
		}
		for _, up := range expired {
			if err := st.AbortMultipartUpload(ctx, up.BucketName, up.ObjectKey, up.UploadID); err != nil {
				slog.Warn("startup reap: failed to abort expired upload", "bucket", up.BucketName, "key", up.ObjectKey, "upload_id", up.UploadID, "error", err)
				continue
			}
			if names, err := st.GetNameList(ctx, bucket); err == nil {
				_ = st.SaveNameList(ctx, bucket, removeName(names, up.GhostName))
			}
			slog.Info("startup reap: aborted expired multipart upload", "bucket", up.BucketName, "key", up.ObjectKey, "upload_id", up.UploadID)
		}
	}
}

func removeName(names []string, name string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// monitorFlushLoop periodically encodes the server's Monitor snapshot and
// writes it to the meta table under a well-known key (§8 "periodic flush to
// C1"), so the binary layout in §12 has a durable home across restarts.
func monitorFlushLoop(ctx context.Context, srv *server.Server, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := srv.Monitor().Snapshot()
			if err := srv.Store().SetMeta(ctx, "__monitor_snapshot", snap.Encode()); err != nil {
				slog.Warn("monitor flush failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}
