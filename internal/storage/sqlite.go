package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// SQLiteBackend implements kvcluster.Table using SQLite as the underlying
// data store. Rows are stored as (partition, key, value) BLOBs, making this
// suitable for small-to-medium deployments that want a single-file data
// table without an external dependency.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a new SQLiteBackend backed by the given database
// file path. It opens the database, applies performance PRAGMAs, and creates
// the required table.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS kv_rows (
			partition INTEGER NOT NULL,
			key       TEXT    NOT NULL,
			value     BLOB    NOT NULL,
			PRIMARY KEY (partition, key)
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Get returns the value stored at key in the given partition.
func (b *SQLiteBackend) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM kv_rows WHERE partition = ? AND key = ?`,
		partition, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, kvcluster.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting partition=%d key=%q: %w", partition, key, err)
	}
	return data, nil
}

// Set writes value at key in the given partition, overwriting any existing
// row via INSERT OR REPLACE.
func (b *SQLiteBackend) Set(ctx context.Context, partition int, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_rows (partition, key, value) VALUES (?, ?, ?)`,
		partition, key, value,
	)
	if err != nil {
		return fmt.Errorf("setting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Delete removes key from the given partition. Deleting a missing key is
// not an error.
func (b *SQLiteBackend) Delete(ctx context.Context, partition int, key string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM kv_rows WHERE partition = ? AND key = ?`,
		partition, key,
	)
	if err != nil {
		return fmt.Errorf("deleting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Scan invokes yield for every row in the given partition whose key has the
// given prefix, in key order, stopping early if yield returns false.
func (b *SQLiteBackend) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value FROM kv_rows WHERE partition = ? AND key >= ? ORDER BY key`,
		partition, prefix,
	)
	if err != nil {
		return fmt.Errorf("scanning partition=%d prefix=%q: %w", partition, prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning row in partition %d: %w", partition, err)
		}
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			break // keys are ordered, so once the prefix stops matching we're done
		}
		if !yield(key, value) {
			return nil
		}
	}
	return rows.Err()
}

// HealthCheck verifies that the SQLite storage database is operational by
// executing a simple query.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	var n int
	return b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n)
}

var _ kvcluster.Table = (*SQLiteBackend)(nil)
