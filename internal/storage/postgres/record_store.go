// Package postgres provides a Postgres-backed crawler.RecordStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_records"

// Config controls the Postgres connection pool used for crawl records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store needs.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// RecordStore keeps crawl records in a single table keyed by URL. Puts are
// buffered and written in one transaction by Flush; reads see buffered
// writes.
type RecordStore struct {
	pool  Pool
	table string

	mu      sync.Mutex
	pending map[string]storage.Row
}

// NewRecordStore connects to Postgres using cfg.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table, pending: make(map[string]storage.Row)}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool Pool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table, pending: make(map[string]storage.Row)}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the pool can reach the server.
func (s *RecordStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the records table and its key index.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	url                TEXT PRIMARY KEY,
	reversed_key       TEXT NOT NULL,
	distance           BIGINT NOT NULL,
	crawl_status       BIGINT NOT NULL,
	protocol_status    JSONB NOT NULL,
	fetch_mode         TEXT NOT NULL DEFAULT '',
	fetch_time         BIGINT NOT NULL DEFAULT 0,
	prev_fetch_time    BIGINT NOT NULL DEFAULT 0,
	fetch_interval     BIGINT NOT NULL DEFAULT 0,
	fetch_count        BIGINT NOT NULL DEFAULT 0,
	fetch_retries      BIGINT NOT NULL DEFAULT 0,
	fetch_priority     BIGINT NOT NULL DEFAULT 0,
	fetch_time_history JSONB,
	repr_url           TEXT NOT NULL DEFAULT '',
	marks              BIGINT NOT NULL DEFAULT 0,
	batch_id           TEXT NOT NULL DEFAULT '',
	generate_time      BIGINT NOT NULL DEFAULT 0,
	signature          BYTEA,
	prev_signature     BYTEA,
	modified_time      BIGINT NOT NULL DEFAULT 0,
	prev_modified_time BIGINT NOT NULL DEFAULT 0,
	content            BYTEA,
	content_type       TEXT NOT NULL DEFAULT '',
	content_length     BIGINT NOT NULL DEFAULT 0,
	location           TEXT NOT NULL DEFAULT '',
	headers            JSONB,
	options            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %[1]s_reversed_key_idx ON %[1]s (reversed_key);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// GetOrNil returns the record for url, or crawler.NilRecord(url).
func (s *RecordStore) GetOrNil(ctx context.Context, url string) (*crawler.Record, error) {
	s.mu.Lock()
	row, ok := s.pending[url]
	s.mu.Unlock()
	if ok {
		return storage.Decode(row)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE url = $1`, storage.ColumnList, s.table)
	var out storage.Row
	if err := s.pool.QueryRow(ctx, query, url).Scan(out.Dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.NilRecord(url), nil
		}
		return nil, fmt.Errorf("select record %s: %w", url, err)
	}
	return storage.Decode(out)
}

// Put buffers r until the next Flush.
func (s *RecordStore) Put(_ context.Context, r *crawler.Record) error {
	row, err := storage.Encode(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if prev, ok := s.pending[row.URL]; ok && prev.Distance < row.Distance {
		row.Distance = prev.Distance
	}
	s.pending[row.URL] = row
	s.mu.Unlock()
	return nil
}

// AddOutlink writes through to the table: r is inserted when absent,
// otherwise only the distance is lowered. A buffered write for the same URL
// has its distance lowered instead.
func (s *RecordStore) AddOutlink(ctx context.Context, r *crawler.Record) (bool, error) {
	row, err := storage.Encode(r)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.pending[row.URL]; ok {
		if row.Distance < prev.Distance {
			prev.Distance = row.Distance
			s.pending[row.URL] = prev
		}
		return false, nil
	}

	var inserted bool
	if err := s.pool.QueryRow(ctx, s.outlinkQuery(), row.Args()...).Scan(&inserted); err != nil {
		return false, fmt.Errorf("add outlink %s: %w", row.URL, err)
	}
	return inserted, nil
}

// Delete removes url, including any buffered write.
func (s *RecordStore) Delete(ctx context.Context, url string) (bool, error) {
	s.mu.Lock()
	_, buffered := s.pending[url]
	delete(s.pending, url)
	s.mu.Unlock()

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE url = $1`, s.table), url)
	if err != nil {
		return buffered, fmt.Errorf("delete record %s: %w", url, err)
	}
	return buffered || tag.RowsAffected() > 0, nil
}

// Flush upserts every buffered record in one transaction. On failure the
// buffer is kept so a later Flush can retry.
func (s *RecordStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	upsert := s.upsertQuery()
	for _, row := range s.pending {
		if _, err := tx.Exec(ctx, upsert, row.Args()...); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert record %s: %w", row.URL, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	clear(s.pending)
	return nil
}

// Scan flushes buffered writes, then yields records in reversed key order.
func (s *RecordStore) Scan(ctx context.Context, rng crawler.KeyRange) iter.Seq2[*crawler.Record, error] {
	return func(yield func(*crawler.Record, error) bool) {
		if err := s.Flush(ctx); err != nil {
			yield(nil, err)
			return
		}
		query := fmt.Sprintf(
			`SELECT %s FROM %s WHERE reversed_key >= $1 AND ($2 = '' OR reversed_key <= $2) ORDER BY reversed_key`,
			storage.ColumnList, s.table,
		)
		rows, err := s.pool.Query(ctx, query, rng.Start, rng.End)
		if err != nil {
			yield(nil, fmt.Errorf("scan records: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row storage.Row
			if err := rows.Scan(row.Dest()...); err != nil {
				yield(nil, fmt.Errorf("scan row: %w", err))
				return
			}
			rec, err := storage.Decode(row)
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate records: %w", err))
		}
	}
}

func (s *RecordStore) upsertQuery() string {
	placeholders := make([]byte, 0, len(storage.Columns)*4)
	updates := make([]byte, 0, len(storage.Columns)*32)
	for i, col := range storage.Columns {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = fmt.Appendf(placeholders, "$%d", i+1)
		if col == "url" {
			continue
		}
		if len(updates) > 0 {
			updates = append(updates, ",\n\t"...)
		}
		if col == "distance" {
			updates = fmt.Appendf(updates, "distance = LEAST(%s.distance, EXCLUDED.distance)", s.table)
			continue
		}
		updates = fmt.Appendf(updates, "%s = EXCLUDED.%s", col, col)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)\nON CONFLICT (url) DO UPDATE SET\n\t%s",
		s.table, storage.ColumnList, placeholders, updates)
}

// outlinkQuery inserts a row or lowers an existing row's distance. xmax is
// zero only for freshly inserted tuples.
func (s *RecordStore) outlinkQuery() string {
	placeholders := make([]string, len(storage.Columns))
	for i := range storage.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(`INSERT INTO %[1]s (%[2]s) VALUES (%[3]s)
ON CONFLICT (url) DO UPDATE SET distance = LEAST(%[1]s.distance, EXCLUDED.distance)
RETURNING (xmax = 0) AS inserted`, s.table, storage.ColumnList, strings.Join(placeholders, ", "))
}
