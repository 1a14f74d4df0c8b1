// Package store defines the record storage contract: the Backend interface
// every node, remote client, and composition implements, the Driver
// interface raw persistence variants implement, and the shared listing
// engine. Variants cover in-memory, SQL (Postgres and SQLite), Redis
// documents, and S3 objects.
package store

import (
	"context"
	"errors"
)

// Sentinel errors shared by every variant.
var (
	// ErrNotFound is returned when no record exists at a URI.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when an immutable URI already holds a
	// record.
	ErrAlreadyExists = errors.New("already exists")
)

// MaxReadMulti bounds the number of URIs a single ReadMulti call accepts.
const MaxReadMulti = 50

// Record is the stored form of a value: assignment time in milliseconds
// since epoch plus the binary-safe data tree.
type Record struct {
	TS   int64 `json:"ts"`
	Data any   `json:"data"`
}

// Transaction is the sole state-changing primitive: a URI paired with the
// value to store there.
type Transaction struct {
	URI   string
	Value any
}

// SortBy selects the listing sort key.
type SortBy string

const (
	SortByName      SortBy = "name"
	SortByTimestamp SortBy = "timestamp"
)

// SortOrder selects the listing direction.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListOptions control filtering, ordering, and pagination of a listing.
// Page is 1-based. Limit 0 yields an empty page while Total still reflects
// the filtered count.
type ListOptions struct {
	Page      int
	Limit     int
	Pattern   string
	SortBy    SortBy
	SortOrder SortOrder
}

// EntryType distinguishes an exact prefix match from a record below it.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
)

// ListEntry is one listing row.
type ListEntry struct {
	URI  string    `json:"uri"`
	Type EntryType `json:"type"`
}

// Pagination summarises a listing page. Total counts all entries after
// pattern filtering, not just the returned page.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ListPage is a page of listing results.
type ListPage struct {
	Data       []ListEntry `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// MultiReadEntry is the per-URI outcome of a ReadMulti.
type MultiReadEntry struct {
	URI    string  `json:"uri"`
	Record *Record `json:"record,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// MultiRead couples the per-URI vector with a global summary.
type MultiRead struct {
	Results []MultiReadEntry `json:"results"`
	Total   int              `json:"total"`
	Found   int              `json:"found"`
}

// Health reports backend liveness.
type Health struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Backend is the full record-store contract. Receive validates against the
// program registry before persisting; the remaining operations are total
// reads or maintenance. Implementations must be safe for concurrent use.
type Backend interface {
	// Receive validates and persists a transaction, returning the stored
	// record. Compound transactions fan out recursively.
	Receive(ctx context.Context, tx Transaction) (*Record, error)
	// Read returns the record at uri or ErrNotFound.
	Read(ctx context.Context, uri string) (*Record, error)
	// ReadMulti reads up to MaxReadMulti URIs in one call.
	ReadMulti(ctx context.Context, uris []string) (*MultiRead, error)
	// List pages through records under a prefix.
	List(ctx context.Context, prefix string, opts ListOptions) (*ListPage, error)
	// Delete removes the record at uri or returns ErrNotFound.
	Delete(ctx context.Context, uri string) error
	// Health reports liveness without side effects.
	Health(ctx context.Context) Health
	// Schema lists the program keys this backend accepts.
	Schema(ctx context.Context) ([]string, error)
	// Cleanup releases held resources. The backend is unusable afterwards.
	Cleanup(ctx context.Context) error
}

// Entry is the narrow (uri, ts) projection drivers return for listing.
type Entry struct {
	URI string
	TS  int64
}

// Driver is the raw persistence contract a storage variant implements.
// Drivers know nothing about programs or validation; the node layers the
// receive pipeline on top.
type Driver interface {
	// Upsert atomically replaces the record at uri.
	Upsert(ctx context.Context, uri string, rec Record) error
	// Get returns the record at uri or ErrNotFound.
	Get(ctx context.Context, uri string) (*Record, error)
	// GetMulti returns the records present among uris, keyed by URI.
	GetMulti(ctx context.Context, uris []string) (map[string]*Record, error)
	// Entries returns the (uri, ts) projection of every record under
	// prefix, unordered.
	Entries(ctx context.Context, prefix string) ([]Entry, error)
	// Remove deletes the record at uri or returns ErrNotFound.
	Remove(ctx context.Context, uri string) error
	// Ping verifies the underlying resource is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying resource.
	Close(ctx context.Context) error
}
