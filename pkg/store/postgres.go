package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
)

// tablePrefixPattern keeps configured prefixes safe to interpolate into
// identifiers.
var tablePrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9_]*$`)

// Postgres is the SQL driver for PostgreSQL: one wide table keyed by URI,
// JSONB data, upsert via INSERT ... ON CONFLICT. Listing reads a narrow
// (uri, timestamp) projection; filtering and pagination stay client-side.
type Postgres struct {
	db    *sql.DB
	table string
}

// NewPostgres wraps an open connection pool. The records table is created
// when absent.
func NewPostgres(ctx context.Context, db *sql.DB, tablePrefix string) (*Postgres, error) {
	table, err := recordsTable(tablePrefix)
	if err != nil {
		return nil, err
	}
	s := &Postgres{db: db, table: table}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			uri TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			timestamp BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return s, nil
}

func recordsTable(prefix string) (string, error) {
	if !tablePrefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("invalid table prefix %q", prefix)
	}
	return prefix + "records", nil
}

func (s *Postgres) Upsert(ctx context.Context, uri string, rec Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record data: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (uri, data, timestamp, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (uri) DO UPDATE
		SET data = EXCLUDED.data, timestamp = EXCLUDED.timestamp, updated_at = NOW()`, s.table)
	if _, err := s.db.ExecContext(ctx, query, uri, data, rec.TS); err != nil {
		return fmt.Errorf("upsert %s: %w", uri, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, uri string) (*Record, error) {
	query := fmt.Sprintf(`SELECT data, timestamp FROM %s WHERE uri = $1`, s.table)
	row := s.db.QueryRowContext(ctx, query, uri)
	return scanRecord(row.Scan)
}

func (s *Postgres) GetMulti(ctx context.Context, uris []string) (map[string]*Record, error) {
	query := fmt.Sprintf(`SELECT uri, data, timestamp FROM %s WHERE uri = ANY($1)`, s.table)
	rows, err := s.db.QueryContext(ctx, query, pq.Array(uris))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*Record)
	for rows.Next() {
		var (
			u    string
			data []byte
			ts   int64
		)
		if err := rows.Scan(&u, &data, &ts); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data, ts)
		if err != nil {
			return nil, err
		}
		out[u] = rec
	}
	return out, rows.Err()
}

func (s *Postgres) Entries(ctx context.Context, prefix string) ([]Entry, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	// LIKE over-approximates for prefixes containing wildcards; the
	// listing engine re-checks exact semantics.
	query := fmt.Sprintf(`SELECT uri, timestamp FROM %s WHERE uri = $1 OR uri LIKE $1 || '/%%'`, s.table)
	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.URI, &e.TS); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Postgres) Remove(ctx context.Context, uri string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE uri = $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, uri)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close(context.Context) error {
	return s.db.Close()
}

// scanRecord adapts a single-row scan into a Record, translating the
// no-rows case to ErrNotFound.
func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		data []byte
		ts   int64
	)
	if err := scan(&data, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(data, ts)
}

func decodeRecord(data []byte, ts int64) (*Record, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode record data: %w", err)
	}
	return &Record{TS: ts, Data: value}, nil
}
