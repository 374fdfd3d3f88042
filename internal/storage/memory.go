package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// MemoryBackend implements kvcluster.Table over an in-process map, keyed by
// partition and key. It optionally persists snapshots to a SQLite file so
// that data survives restarts, the way the original BleepStore memory
// backend persisted object blobs.
type MemoryBackend struct {
	mu          sync.RWMutex
	rows        map[int]map[string][]byte
	currentSize int64
	maxSizeBytes int64

	persistence             string
	snapshotPath            string
	snapshotIntervalSeconds int
	stopCh                  chan struct{}
	wg                      sync.WaitGroup
}

// NewMemoryBackend creates a new MemoryBackend. If persistence is
// "snapshot", it loads any existing snapshot from snapshotPath and starts a
// background goroutine that writes periodic snapshots.
func NewMemoryBackend(maxSizeBytes int64, persistence string, snapshotPath string, snapshotIntervalSeconds int) (*MemoryBackend, error) {
	b := &MemoryBackend{
		rows:                    make(map[int]map[string][]byte),
		maxSizeBytes:            maxSizeBytes,
		persistence:             persistence,
		snapshotPath:            snapshotPath,
		snapshotIntervalSeconds: snapshotIntervalSeconds,
		stopCh:                  make(chan struct{}),
	}

	if persistence == "snapshot" && snapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if snapshotIntervalSeconds > 0 {
			b.wg.Add(1)
			go b.snapshotLoop()
		}
	}

	return b, nil
}

// Get returns the value stored at key in the given partition.
func (b *MemoryBackend) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	part, ok := b.rows[partition]
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

// Set writes value at key in the given partition, creating or overwriting
// it, subject to the backend's optional size limit.
func (b *MemoryBackend) Set(ctx context.Context, partition int, key string, value []byte) error {
	dataCopy := make([]byte, len(value))
	copy(dataCopy, value)

	b.mu.Lock()
	defer b.mu.Unlock()

	part, ok := b.rows[partition]
	if !ok {
		part = make(map[string][]byte)
		b.rows[partition] = part
	}

	delta := int64(len(dataCopy))
	if existing, found := part[key]; found {
		delta -= int64(len(existing))
	}
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes)
	}

	part[key] = dataCopy
	b.currentSize += delta
	return nil
}

// Delete removes key from the given partition. Deleting a missing key is
// not an error.
func (b *MemoryBackend) Delete(ctx context.Context, partition int, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	part, ok := b.rows[partition]
	if !ok {
		return nil
	}
	if existing, found := part[key]; found {
		b.currentSize -= int64(len(existing))
		delete(part, key)
	}
	return nil
}

// Scan invokes yield for every key in the given partition with the given
// prefix, in sorted key order, stopping early if yield returns false.
func (b *MemoryBackend) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	b.mu.RLock()
	part, ok := b.rows[partition]
	if !ok {
		b.mu.RUnlock()
		return nil
	}
	keys := make([]string, 0, len(part))
	for k := range part {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
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
	b.mu.RUnlock()

	for i, k := range keys {
		if !yield(k, values[i]) {
			return nil
		}
	}
	return nil
}

// Close stops the snapshot goroutine (if running) and writes a final
// snapshot if persistence is enabled.
func (b *MemoryBackend) Close() error {
	close(b.stopCh)
	b.wg.Wait()

	if b.persistence == "snapshot" && b.snapshotPath != "" {
		if err := b.writeSnapshot(); err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
	}
	return nil
}

func (b *MemoryBackend) snapshotLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(time.Duration(b.snapshotIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				log.Printf("ERROR: memory backend snapshot failed: %v", err)
			}
		}
	}
}

// loadSnapshot restores in-memory rows from a SQLite snapshot file. If the
// file does not exist, this is a no-op (fresh start).
func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("setting journal mode: %w", err)
	}

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'kv_snapshots'`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot table: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	rows, err := db.Query("SELECT partition, key, value FROM kv_snapshots")
	if err != nil {
		return fmt.Errorf("querying snapshot rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var partition int
		var key string
		var value []byte
		if err := rows.Scan(&partition, &key, &value); err != nil {
			return fmt.Errorf("scanning snapshot row: %w", err)
		}
		part, ok := b.rows[partition]
		if !ok {
			part = make(map[string][]byte)
			b.rows[partition] = part
		}
		part[key] = value
		b.currentSize += int64(len(value))
	}
	return rows.Err()
}

// writeSnapshot atomically writes the current in-memory rows to a SQLite
// snapshot file: write to a temp file, then rename into place.
func (b *MemoryBackend) writeSnapshot() error {
	b.mu.RLock()
	type row struct {
		partition int
		key       string
		value     []byte
	}
	var allRows []row
	for partition, part := range b.rows {
		for k, v := range part {
			allRows = append(allRows, row{partition, k, v})
		}
	}
	b.mu.RUnlock()

	sort.Slice(allRows, func(i, j int) bool {
		if allRows[i].partition != allRows[j].partition {
			return allRows[i].partition < allRows[j].partition
		}
		return allRows[i].key < allRows[j].key
	})

	dir := filepath.Dir(b.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := b.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}

	schema := `
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;

		CREATE TABLE kv_snapshots (
			partition INTEGER NOT NULL,
			key       TEXT NOT NULL,
			value     BLOB NOT NULL,
			PRIMARY KEY (partition, key)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO kv_snapshots (partition, key, value) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		db.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range allRows {
		if _, err := stmt.Exec(r.partition, r.key, r.value); err != nil {
			tx.Rollback()
			db.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("inserting snapshot row partition=%d key=%q: %w", r.partition, r.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		db.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("committing snapshot transaction: %w", err)
	}
	if err := db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp snapshot database: %w", err)
	}
	if err := os.Rename(tmpPath, b.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}

	os.Remove(tmpPath + "-wal")
	os.Remove(tmpPath + "-shm")
	return nil
}

var _ kvcluster.Table = (*MemoryBackend)(nil)
