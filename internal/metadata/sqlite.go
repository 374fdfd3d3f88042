package metadata

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// SQLiteStore implements kvcluster.Table using SQLite as the backing meta
// table. It is the default meta store: durable, ACID, single file, no
// external dependency.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite metadata database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite metadata database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS meta_rows (
			partition INTEGER NOT NULL,
			key       TEXT    NOT NULL,
			value     BLOB    NOT NULL,
			PRIMARY KEY (partition, key)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating metadata schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the value stored at key in the given partition.
func (s *SQLiteStore) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta_rows WHERE partition = ? AND key = ?`,
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
// row.
func (s *SQLiteStore) Set(ctx context.Context, partition int, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta_rows (partition, key, value) VALUES (?, ?, ?)`,
		partition, key, value,
	)
	if err != nil {
		return fmt.Errorf("setting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Delete removes key from the given partition. Deleting a missing key is
// not an error.
func (s *SQLiteStore) Delete(ctx context.Context, partition int, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM meta_rows WHERE partition = ? AND key = ?`,
		partition, key,
	)
	if err != nil {
		return fmt.Errorf("deleting partition=%d key=%q: %w", partition, key, err)
	}
	return nil
}

// Scan invokes yield for every row in the given partition whose key has the
// given prefix, in key order, stopping early if yield returns false.
func (s *SQLiteStore) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM meta_rows WHERE partition = ? AND key >= ? ORDER BY key`,
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

// HealthCheck verifies that the SQLite metadata database is operational.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	var n int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n)
}

var _ kvcluster.Table = (*SQLiteStore)(nil)
