package gc

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// ItemKind distinguishes why a fingerprint became a GC candidate item:
// for Standard items a missing chunk mapping is an error, for Failed
// items it is expected (the chunk never reached the chunk index).
type ItemKind int

const (
	Standard ItemKind = iota
	Failed
)

// CandidateItem is one fingerprint queued for reclamation within a
// candidate container.
type CandidateItem struct {
	Fingerprint []byte
	Kind        ItemKind
}

// candidateTable is the durable candidate table, keyed by container
// address. Backed by SQLite for the same reason as pkg/pdhi's overflow
// index: an embedded database handles a table that grows and shrinks
// unpredictably far better than a hand-rolled file format.
type candidateTable struct {
	db *sql.DB
}

func openCandidateTable(ctx context.Context, path string) (*candidateTable, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open candidate table: %w", dederr.ErrIO, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping candidate table: %w", dederr.ErrIO, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: apply pragma %q: %w", dederr.ErrIO, p, err)
		}
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS candidates (
		address              INTEGER PRIMARY KEY,
		processing           INTEGER NOT NULL DEFAULT 0,
		unchanged_processing INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS candidate_items (
		address     INTEGER NOT NULL,
		fingerprint BLOB NOT NULL,
		kind        INTEGER NOT NULL,
		PRIMARY KEY (address, fingerprint)
	);`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create candidate schema: %w", dederr.ErrIO, err)
	}

	return &candidateTable{db: db}, nil
}

func (t *candidateTable) close() error { return t.db.Close() }

// append adds (or extends) a candidate container with fp/kind.
func (t *candidateTable) append(ctx context.Context, address uint64, fp []byte, kind ItemKind) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin candidate append: %w", dederr.ErrIO, err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO candidates (address) VALUES (?)`, address); err != nil {
		return fmt.Errorf("%w: insert candidate: %w", dederr.ErrIO, err)
	}

	const q = `INSERT OR REPLACE INTO candidate_items (address, fingerprint, kind) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, address, fp, int(kind)); err != nil {
		return fmt.Errorf("%w: insert candidate item: %w", dederr.ErrIO, err)
	}

	return tx.Commit()
}

// nextUnprocessed returns the address of the oldest (smallest) candidate
// that is not currently marked processing, for FIFO draining.
func (t *candidateTable) nextUnprocessed(ctx context.Context) (uint64, bool, error) {
	const q = `SELECT address FROM candidates WHERE processing = 0 ORDER BY address LIMIT 1`

	var address uint64

	err := t.db.QueryRowContext(ctx, q).Scan(&address)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("%w: next candidate: %w", dederr.ErrIO, err)
	}

	return address, true, nil
}

// processingAddresses returns every candidate still marked processing, for
// resume-from-crash handling.
func (t *candidateTable) processingAddresses(ctx context.Context) ([]uint64, error) {
	const q = `SELECT address FROM candidates WHERE processing = 1 ORDER BY address`

	rows, err := t.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: list processing candidates: %w", dederr.ErrIO, err)
	}
	defer rows.Close()

	var out []uint64

	for rows.Next() {
		var address uint64
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("%w: scan processing candidate: %w", dederr.ErrIO, err)
		}

		out = append(out, address)
	}

	return out, rows.Err()
}

// candidateRow is one row of the candidates table, for inspection tooling.
type candidateRow struct {
	Address             uint64
	Processing          bool
	UnchangedProcessing uint32
}

// allCandidates returns every candidate container, address order, for
// read-only inspection tooling.
func (t *candidateTable) allCandidates(ctx context.Context) ([]candidateRow, error) {
	const q = `SELECT address, processing, unchanged_processing FROM candidates ORDER BY address`

	rows, err := t.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: list candidates: %w", dederr.ErrIO, err)
	}
	defer rows.Close()

	var out []candidateRow

	for rows.Next() {
		var (
			address    uint64
			processing int
			unchanged  uint32
		)

		if err := rows.Scan(&address, &processing, &unchanged); err != nil {
			return nil, fmt.Errorf("%w: scan candidate: %w", dederr.ErrIO, err)
		}

		out = append(out, candidateRow{Address: address, Processing: processing != 0, UnchangedProcessing: unchanged})
	}

	return out, rows.Err()
}

func (t *candidateTable) setProcessing(ctx context.Context, address uint64, processing bool) error {
	const q = `UPDATE candidates SET processing = ? WHERE address = ?`

	v := 0
	if processing {
		v = 1
	}

	_, err := t.db.ExecContext(ctx, q, v, address)
	if err != nil {
		return fmt.Errorf("%w: set candidate processing: %w", dederr.ErrIO, err)
	}

	return nil
}

// noteProcessed clears the processing flag and updates the candidate's
// unchanged-pass counter: reset on any progress, incremented when a pass
// removed nothing (every item in combat or deferred), so the loop can stop
// hammering a candidate that cannot currently shrink.
func (t *candidateTable) noteProcessed(ctx context.Context, address uint64, changed bool) error {
	q := `UPDATE candidates SET processing = 0, unchanged_processing = unchanged_processing + 1 WHERE address = ?`
	if changed {
		q = `UPDATE candidates SET processing = 0, unchanged_processing = 0 WHERE address = ?`
	}

	if _, err := t.db.ExecContext(ctx, q, address); err != nil {
		return fmt.Errorf("%w: note candidate processed: %w", dederr.ErrIO, err)
	}

	return nil
}

func (t *candidateTable) items(ctx context.Context, address uint64) ([]CandidateItem, error) {
	const q = `SELECT fingerprint, kind FROM candidate_items WHERE address = ?`

	rows, err := t.db.QueryContext(ctx, q, address)
	if err != nil {
		return nil, fmt.Errorf("%w: list candidate items: %w", dederr.ErrIO, err)
	}
	defer rows.Close()

	var out []CandidateItem

	for rows.Next() {
		var (
			fp   []byte
			kind int
		)

		if err := rows.Scan(&fp, &kind); err != nil {
			return nil, fmt.Errorf("%w: scan candidate item: %w", dederr.ErrIO, err)
		}

		out = append(out, CandidateItem{Fingerprint: fp, Kind: ItemKind(kind)})
	}

	return out, rows.Err()
}

func (t *candidateTable) removeItem(ctx context.Context, address uint64, fp []byte) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM candidate_items WHERE address = ? AND fingerprint = ?`, address, fp)
	if err != nil {
		return fmt.Errorf("%w: remove candidate item: %w", dederr.ErrIO, err)
	}

	return nil
}

func (t *candidateTable) deleteIfEmpty(ctx context.Context, address uint64) (bool, error) {
	var count int

	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidate_items WHERE address = ?`, address).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: count candidate items: %w", dederr.ErrIO, err)
	}

	if count > 0 {
		return false, nil
	}

	if _, err := t.db.ExecContext(ctx, `DELETE FROM candidates WHERE address = ?`, address); err != nil {
		return false, fmt.Errorf("%w: delete empty candidate: %w", dederr.ErrIO, err)
	}

	return true, nil
}
