package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/s3gwd/s3gw/internal/kvcluster"
	"github.com/s3gwd/s3gw/internal/uid"
)

// LocalBackend implements kvcluster.Table on the local filesystem. Each
// partition is a subdirectory of RootDir; each key within a partition is
// hex-encoded into a single flat filename so that keys containing "/" (the
// store adapter's bucket/object keys, chunk keys, and ghost-object keys all
// do) never create nested directories or collide with path traversal.
// Hex encoding is prefix-preserving, so Scan can hex-encode the prefix and
// match against filenames directly.
type LocalBackend struct {
	RootDir string
}

// NewLocalBackend creates a new LocalBackend rooted at the given directory,
// creating the root and its temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files left in the .tmp directory. Called on
// startup as part of crash-only recovery: any temp file left behind means an
// earlier write crashed before its rename completed.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) partitionDir(partition int) string {
	return filepath.Join(b.RootDir, strconv.Itoa(partition))
}

func (b *LocalBackend) keyPath(partition int, key string) string {
	return filepath.Join(b.partitionDir(partition), hex.EncodeToString([]byte(key)))
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
}

// Get reads the value stored for key in the given partition.
func (b *LocalBackend) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	data, err := os.ReadFile(b.keyPath(partition, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kvcluster.ErrNotFound
		}
		return nil, fmt.Errorf("reading key %q in partition %d: %w", key, partition, err)
	}
	return data, nil
}

// Set writes value at key in the given partition using the crash-only
// atomic write pattern: write to a temp file, fsync, rename into place.
func (b *LocalBackend) Set(ctx context.Context, partition int, key string, value []byte) error {
	dir := b.partitionDir(partition)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating partition directory %d: %w", partition, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmpFile.Write(value); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing value: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.keyPath(partition, key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}

// Delete removes key from the given partition. Deleting a missing key is
// not an error.
func (b *LocalBackend) Delete(ctx context.Context, partition int, key string) error {
	err := os.Remove(b.keyPath(partition, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing key %q in partition %d: %w", key, partition, err)
	}
	return nil
}

// Scan walks every file in the partition directory, decodes its hex-encoded
// name back to the original key, and invokes yield for each key matching
// prefix. Keys are visited in sorted (lexical filename) order.
func (b *LocalBackend) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	dir := b.partitionDir(partition)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading partition directory %d: %w", partition, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := hex.DecodeString(name)
		if err != nil {
			continue // not one of ours, skip
		}
		key := string(raw)
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue // removed between readdir and read
			}
			return fmt.Errorf("reading key %q in partition %d: %w", key, partition, err)
		}
		if !yield(key, data) {
			return nil
		}
	}
	return nil
}

// Close is a no-op: the local backend holds no connections, only open file
// handles scoped to individual calls.
func (b *LocalBackend) Close() error {
	return nil
}

var _ kvcluster.Table = (*LocalBackend)(nil)
