package store

import (
	"context"
	"sync"
)

// Memory is the in-memory Driver: one map guarded by one mutex. Listing is
// O(total records). Suited to tests and single-process deployments.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemory returns an empty in-memory driver.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Upsert(_ context.Context, uri string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[uri] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, uri string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[uri]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) GetMulti(_ context.Context, uris []string) (map[string]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Record)
	for _, u := range uris {
		if rec, ok := m.records[u]; ok {
			r := rec
			out[u] = &r
		}
	}
	return out, nil
}

func (m *Memory) Entries(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The shared listing engine re-checks prefix semantics; returning the
	// full projection keeps this driver trivial.
	_ = prefix
	entries := make([]Entry, 0, len(m.records))
	for u, rec := range m.records {
		entries = append(entries, Entry{URI: u, TS: rec.TS})
	}
	return entries, nil
}

func (m *Memory) Remove(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[uri]; !ok {
		return ErrNotFound
	}
	delete(m.records, uri)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Close wipes the map; a cleaned-up memory driver keeps no state.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]Record)
	return nil
}

// Len reports the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
