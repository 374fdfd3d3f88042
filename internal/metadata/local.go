package metadata

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/s3gwd/s3gw/internal/config"
	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// jsonlRecord is a single line of a partition's write-ahead log: either a
// Set (Deleted=false) or a Delete (Deleted=true) of Key.
type jsonlRecord struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"` // base64, only present for Set
	Deleted bool   `json:"deleted,omitempty"`
}

// LocalStore implements kvcluster.Table as an append-only JSONL log per
// partition, replayed into an in-memory map at startup. This is the meta
// table's crash-only analogue to storage.LocalBackend's one-file-per-key
// layout: here rows are small and numerous (bucket/object/part records)
// so a log plus periodic compaction fits better than one file per key.
type LocalStore struct {
	mu        sync.RWMutex
	rootDir   string
	compactOn bool
	rows      map[int]map[string][]byte
	logs      map[int]*os.File
}

// NewLocalStore creates a LocalStore rooted at cfg.RootDir, replaying any
// existing partition logs found there.
func NewLocalStore(cfg *config.LocalMetaConfig) (*LocalStore, error) {
	if cfg == nil {
		cfg = &config.LocalMetaConfig{}
	}
	if cfg.RootDir == "" {
		cfg.RootDir = "./data/metadata"
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	s := &LocalStore{
		rootDir:   cfg.RootDir,
		compactOn: cfg.CompactOnStartup,
		rows:      make(map[int]map[string][]byte),
		logs:      make(map[int]*os.File),
	}

	entries, err := os.ReadDir(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("scanning metadata directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		partition, perr := strconv.Atoi(strings.TrimSuffix(e.Name(), ".jsonl"))
		if perr != nil {
			continue
		}
		if err := s.replay(partition); err != nil {
			return nil, fmt.Errorf("replaying partition %d log: %w", partition, err)
		}
	}

	if s.compactOn {
		for partition := range s.rows {
			if err := s.compactPartition(partition); err != nil {
				return nil, fmt.Errorf("compacting partition %d: %w", partition, err)
			}
		}
	}

	return s, nil
}

func (s *LocalStore) logPath(partition int) string {
	return filepath.Join(s.rootDir, strconv.Itoa(partition)+".jsonl")
}

func (s *LocalStore) replay(partition int) error {
	f, err := os.Open(s.logPath(partition))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	part := make(map[string][]byte)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec jsonlRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // tolerate a torn final line from a crash mid-write
		}
		if rec.Deleted {
			delete(part, rec.Key)
			continue
		}
		data, err := base64.StdEncoding.DecodeString(rec.Value)
		if err != nil {
			continue
		}
		part[rec.Key] = data
	}
	s.rows[partition] = part
	return scanner.Err()
}

func (s *LocalStore) logFile(partition int) (*os.File, error) {
	if f, ok := s.logs[partition]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.logPath(partition), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.logs[partition] = f
	return f, nil
}

func (s *LocalStore) appendRecord(partition int, rec jsonlRecord) error {
	f, err := s.logFile(partition)
	if err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

// Get returns the value stored at key in the given partition.
func (s *LocalStore) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	part, ok := s.rows[partition]
	if !ok {
		return nil, kvcluster.ErrNotFound
	}
	data, ok := part[key]
	if !ok {
		return nil, kvcluster.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Set writes value at key in the given partition, appending a record to
// the partition's write-ahead log before updating the in-memory view.
func (s *LocalStore) Set(ctx context.Context, partition int, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendRecord(partition, jsonlRecord{Key: key, Value: base64.StdEncoding.EncodeToString(value)}); err != nil {
		return fmt.Errorf("appending set record: %w", err)
	}

	part, ok := s.rows[partition]
	if !ok {
		part = make(map[string][]byte)
		s.rows[partition] = part
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	part[key] = cp
	return nil
}

// Delete removes key from the given partition. Deleting a missing key is
// not an error.
func (s *LocalStore) Delete(ctx context.Context, partition int, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendRecord(partition, jsonlRecord{Key: key, Deleted: true}); err != nil {
		return fmt.Errorf("appending delete record: %w", err)
	}
	if part, ok := s.rows[partition]; ok {
		delete(part, key)
	}
	return nil
}

// Scan invokes yield for every key in the given partition with the given
// prefix, in sorted key order.
func (s *LocalStore) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	s.mu.RLock()
	part, ok := s.rows[partition]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	keys := make([]string, 0, len(part))
	for k := range part {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		v := part[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		values[i] = cp
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if !yield(k, values[i]) {
			return nil
		}
	}
	return nil
}

// compactPartition rewrites a partition's log to hold only its live rows,
// collapsing however many Set/Delete records accumulated for each key into
// one Set record. Called at startup when CompactOnStartup is set.
func (s *LocalStore) compactPartition(partition int) error {
	part := s.rows[partition]
	keys := make([]string, 0, len(part))
	for k := range part {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tmpPath := s.logPath(partition) + ".compact"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, k := range keys {
		line, err := json.Marshal(jsonlRecord{Key: k, Value: base64.StdEncoding.EncodeToString(part[k])})
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if lf, ok := s.logs[partition]; ok {
		lf.Close()
		delete(s.logs, partition)
	}
	return os.Rename(tmpPath, s.logPath(partition))
}

// Close flushes and closes every open partition log file.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range s.logs {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ kvcluster.Table = (*LocalStore)(nil)
