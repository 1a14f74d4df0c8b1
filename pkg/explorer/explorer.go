// Package explorer is the read-only bridge dashboards and record viewers
// consume. A Bridge wraps any store.Backend, local node or remote client
// alike, and exposes only browsing and fetching. Mutating operations are
// deliberately absent from its surface.
package explorer

import (
	"context"
	"log/slog"

	"github.com/alcovelabs/alcove/pkg/store"
	"github.com/alcovelabs/alcove/pkg/uri"
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// Bridge is the viewer-facing projection of a backend.
type Bridge struct {
	backend store.Backend
	logger  *slog.Logger
}

// NewBridge wraps backend in a read-only view.
func NewBridge(backend store.Backend, opts ...Option) *Bridge {
	b := &Bridge{
		backend: backend,
		logger:  slog.Default().With("component", "explorer"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Browse pages through the records under prefix. The prefix must be a
// well-formed URI; viewers get the same paging semantics as List.
func (b *Bridge) Browse(ctx context.Context, prefix string, opts store.ListOptions) (*store.ListPage, error) {
	if _, err := uri.Parse(prefix); err != nil {
		return nil, err
	}
	page, err := b.backend.List(ctx, prefix, opts)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("browse", "prefix", prefix, "total", page.Pagination.Total)
	return page, nil
}

// Fetch returns the single record at target.
func (b *Bridge) Fetch(ctx context.Context, target string) (*store.Record, error) {
	if _, err := uri.Parse(target); err != nil {
		return nil, err
	}
	return b.backend.Read(ctx, target)
}

// Health reports the wrapped backend's liveness so viewers can surface
// node state.
func (b *Bridge) Health(ctx context.Context) store.Health {
	return b.backend.Health(ctx)
}

// Schema lists the program keys the wrapped backend accepts.
func (b *Bridge) Schema(ctx context.Context) ([]string, error) {
	return b.backend.Schema(ctx)
}
