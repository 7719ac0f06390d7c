// Package sqlite provides a single-file crawler.RecordStore on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS crawl_records (
	url                TEXT PRIMARY KEY,
	reversed_key       TEXT NOT NULL,
	distance           INTEGER NOT NULL,
	crawl_status       INTEGER NOT NULL,
	protocol_status    BLOB NOT NULL,
	fetch_mode         TEXT NOT NULL DEFAULT '',
	fetch_time         INTEGER NOT NULL DEFAULT 0,
	prev_fetch_time    INTEGER NOT NULL DEFAULT 0,
	fetch_interval     INTEGER NOT NULL DEFAULT 0,
	fetch_count        INTEGER NOT NULL DEFAULT 0,
	fetch_retries      INTEGER NOT NULL DEFAULT 0,
	fetch_priority     INTEGER NOT NULL DEFAULT 0,
	fetch_time_history BLOB,
	repr_url           TEXT NOT NULL DEFAULT '',
	marks              INTEGER NOT NULL DEFAULT 0,
	batch_id           TEXT NOT NULL DEFAULT '',
	generate_time      INTEGER NOT NULL DEFAULT 0,
	signature          BLOB,
	prev_signature     BLOB,
	modified_time      INTEGER NOT NULL DEFAULT 0,
	prev_modified_time INTEGER NOT NULL DEFAULT 0,
	content            BLOB,
	content_type       TEXT NOT NULL DEFAULT '',
	content_length     INTEGER NOT NULL DEFAULT 0,
	location           TEXT NOT NULL DEFAULT '',
	headers            BLOB,
	options            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS crawl_records_reversed_key_idx ON crawl_records (reversed_key);
`

// RecordStore keeps records in a SQLite file. Writes go straight to the
// database, so Flush has nothing to do.
type RecordStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*RecordStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: SQLite serializes writers and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// Ping checks the database is open.
func (s *RecordStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// GetOrNil returns the record for url, or crawler.NilRecord(url).
func (s *RecordStore) GetOrNil(ctx context.Context, url string) (*crawler.Record, error) {
	query := `SELECT ` + storage.ColumnList + ` FROM crawl_records WHERE url = ?`
	var row storage.Row
	if err := s.db.QueryRowContext(ctx, query, url).Scan(row.Dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.NilRecord(url), nil
		}
		return nil, fmt.Errorf("select record %s: %w", url, err)
	}
	return storage.Decode(row)
}

// Put upserts r, keeping the lower of the stored and new distance.
func (s *RecordStore) Put(ctx context.Context, r *crawler.Record) error {
	row, err := storage.Encode(r)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertQuery, row.Args()...); err != nil {
		return fmt.Errorf("upsert record %s: %w", row.URL, err)
	}
	return nil
}

// AddOutlink inserts r when its URL is unknown, otherwise it lowers the
// stored distance and leaves the rest of the row untouched.
func (s *RecordStore) AddOutlink(ctx context.Context, r *crawler.Record) (bool, error) {
	row, err := storage.Encode(r)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, insertIfAbsentQuery, row.Args()...)
	if err != nil {
		return false, fmt.Errorf("insert outlink %s: %w", row.URL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert outlink %s: %w", row.URL, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE crawl_records SET distance = ? WHERE url = ? AND distance > ?`,
		row.Distance, row.URL, row.Distance,
	); err != nil {
		return false, fmt.Errorf("lower outlink distance %s: %w", row.URL, err)
	}
	return false, nil
}

// Delete removes url.
func (s *RecordStore) Delete(ctx context.Context, url string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM crawl_records WHERE url = ?`, url)
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", url, err)
	}
	return n > 0, nil
}

// Flush is a no-op.
func (s *RecordStore) Flush(context.Context) error {
	return nil
}

// Scan yields records in reversed key order within rng. Rows are read up
// front so callers may write to the store while iterating.
func (s *RecordStore) Scan(ctx context.Context, rng crawler.KeyRange) iter.Seq2[*crawler.Record, error] {
	return func(yield func(*crawler.Record, error) bool) {
		rows, err := s.selectRange(ctx, rng)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			rec, err := storage.Decode(row)
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func (s *RecordStore) selectRange(ctx context.Context, rng crawler.KeyRange) ([]storage.Row, error) {
	query := `SELECT ` + storage.ColumnList + ` FROM crawl_records
WHERE reversed_key >= ? AND (? = '' OR reversed_key <= ?)
ORDER BY reversed_key`
	rows, err := s.db.QueryContext(ctx, query, rng.Start, rng.End, rng.End)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		var row storage.Row
		if err := rows.Scan(row.Dest()...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

var insertQuery = `INSERT INTO crawl_records (` + storage.ColumnList + `) VALUES (` +
	strings.TrimSuffix(strings.Repeat("?,", len(storage.Columns)), ",") + `)`

var insertIfAbsentQuery = insertQuery + ` ON CONFLICT (url) DO NOTHING`

var upsertQuery = func() string {
	updates := make([]string, 0, len(storage.Columns)-1)
	for _, col := range storage.Columns[1:] {
		if col == "distance" {
			updates = append(updates, "distance = MIN(distance, excluded.distance)")
			continue
		}
		updates = append(updates, col+" = excluded."+col)
	}
	return insertQuery + ` ON CONFLICT (url) DO UPDATE SET ` + strings.Join(updates, ", ")
}()
