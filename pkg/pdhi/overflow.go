package pdhi

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// overflowIndex is the auxiliary persistent index a bucket spills into
// once its page is full. It is keyed by (bucket_id, key) and backed by
// SQLite: a small number of buckets grow unboundedly large relative to a
// fixed page, and a real embedded database handles that far better than a
// hand-rolled append file.
type overflowIndex struct {
	db *sql.DB
}

func openOverflowIndex(ctx context.Context, path string) (*overflowIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open overflow index: %w", dederr.ErrIO, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping overflow index: %w", dederr.ErrIO, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA temp_store = MEMORY",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: apply pragma %q: %w", dederr.ErrIO, p, err)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS overflow (
		bucket_id INTEGER NOT NULL,
		key       BLOB NOT NULL,
		value     BLOB NOT NULL,
		PRIMARY KEY (bucket_id, key)
	)`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create overflow schema: %w", dederr.ErrIO, err)
	}

	return &overflowIndex{db: db}, nil
}

func (o *overflowIndex) close() error { return o.db.Close() }

func (o *overflowIndex) put(ctx context.Context, bucketID uint64, key, value []byte) error {
	const q = `INSERT INTO overflow (bucket_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(bucket_id, key) DO UPDATE SET value = excluded.value`

	if _, err := o.db.ExecContext(ctx, q, bucketID, key, value); err != nil {
		return fmt.Errorf("%w: overflow put: %w", dederr.ErrIO, err)
	}

	return nil
}

func (o *overflowIndex) get(ctx context.Context, bucketID uint64, key []byte) ([]byte, bool, error) {
	const q = `SELECT value FROM overflow WHERE bucket_id = ? AND key = ?`

	var value []byte

	err := o.db.QueryRowContext(ctx, q, bucketID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("%w: overflow get: %w", dederr.ErrIO, err)
	}

	return value, true, nil
}

func (o *overflowIndex) delete(ctx context.Context, bucketID uint64, key []byte) (bool, error) {
	const q = `DELETE FROM overflow WHERE bucket_id = ? AND key = ?`

	res, err := o.db.ExecContext(ctx, q, bucketID, key)
	if err != nil {
		return false, fmt.Errorf("%w: overflow delete: %w", dederr.ErrIO, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: overflow delete rows affected: %w", dederr.ErrIO, err)
	}

	return n > 0, nil
}

// iterate calls fn for every (bucket_id, key, value) row in bucket id
// order, then key order - the tail of PDHI iteration after the paged
// portion.
func (o *overflowIndex) iterate(ctx context.Context, fn func(bucketID uint64, key, value []byte) (bool, error)) error {
	const q = `SELECT bucket_id, key, value FROM overflow ORDER BY bucket_id, key`

	rows, err := o.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("%w: overflow iterate: %w", dederr.ErrIO, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			bucketID uint64
			key      []byte
			value    []byte
		)

		if err := rows.Scan(&bucketID, &key, &value); err != nil {
			return fmt.Errorf("%w: overflow scan: %w", dederr.ErrIO, err)
		}

		cont, err := fn(bucketID, key, value)
		if err != nil {
			return err
		}

		if !cont {
			break
		}
	}

	return rows.Err()
}
