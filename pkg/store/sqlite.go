package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the embedded SQL driver. Same table shape as Postgres with
// SQLite placeholders and TEXT-encoded JSON data.
type SQLite struct {
	db    *sql.DB
	table string
}

// OpenSQLite opens (or creates) a database at path and migrates the
// records table. Use ":memory:" for throwaway stores.
func OpenSQLite(ctx context.Context, path, tablePrefix string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	s, err := NewSQLite(ctx, db, tablePrefix)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database handle and migrates the records table.
func NewSQLite(ctx context.Context, db *sql.DB, tablePrefix string) (*SQLite, error) {
	table, err := recordsTable(tablePrefix)
	if err != nil {
		return nil, err
	}
	s := &SQLite{db: db, table: table}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			uri TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) Upsert(ctx context.Context, uri string, rec Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record data: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (uri, data, timestamp, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (uri) DO UPDATE
		SET data = excluded.data, timestamp = excluded.timestamp, updated_at = CURRENT_TIMESTAMP`, s.table)
	if _, err := s.db.ExecContext(ctx, query, uri, string(data), rec.TS); err != nil {
		return fmt.Errorf("upsert %s: %w", uri, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, uri string) (*Record, error) {
	query := fmt.Sprintf(`SELECT data, timestamp FROM %s WHERE uri = ?`, s.table)
	row := s.db.QueryRowContext(ctx, query, uri)
	return scanRecord(row.Scan)
}

func (s *SQLite) GetMulti(ctx context.Context, uris []string) (map[string]*Record, error) {
	if len(uris) == 0 {
		return map[string]*Record{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(uris)), ",")
	query := fmt.Sprintf(`SELECT uri, data, timestamp FROM %s WHERE uri IN (%s)`, s.table, placeholders)

	args := make([]any, len(uris))
	for i, u := range uris {
		args[i] = u
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLite) Entries(ctx context.Context, prefix string) ([]Entry, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	query := fmt.Sprintf(`SELECT uri, timestamp FROM %s WHERE uri = ? OR uri LIKE ? || '/%%'`, s.table)
	rows, err := s.db.QueryContext(ctx, query, prefix, prefix)
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

func (s *SQLite) Remove(ctx context.Context, uri string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE uri = ?`, s.table)
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

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}
