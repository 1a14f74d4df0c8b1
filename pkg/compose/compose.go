// Package compose builds store.Backend values out of other backends: a
// parallel broadcast that mirrors writes to every member, and a first-match
// sequence that answers from the first member able to serve. Compositions
// hold no state of their own and may be nested.
package compose

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/alcovelabs/alcove/pkg/store"
)

// ParallelBroadcast returns a backend whose Receive fans out to every
// member concurrently and accepts iff all members accept. The first
// observed error wins; remaining fan-outs run to completion and their
// results are discarded. There is no rollback on partial failure. Reads
// are served by the first member.
func ParallelBroadcast(backends ...store.Backend) store.Backend {
	if len(backends) == 0 {
		panic("compose: ParallelBroadcast needs at least one backend")
	}
	return &broadcast{backends: backends}
}

// FirstMatchSequence returns a backend whose reads walk the members in
// order and return the first non-not-found success, whose Receive stops at
// the first accepting member, and whose Delete removes from the first
// member that reports success. When every member fails, the last error is
// surfaced.
func FirstMatchSequence(backends ...store.Backend) store.Backend {
	if len(backends) == 0 {
		panic("compose: FirstMatchSequence needs at least one backend")
	}
	return &sequence{backends: backends}
}

type broadcast struct {
	backends []store.Backend
}

var _ store.Backend = (*broadcast)(nil)

func (b *broadcast) Receive(ctx context.Context, tx store.Transaction) (*store.Record, error) {
	records := make([]*store.Record, len(b.backends))

	// A bare errgroup keeps the remaining fan-outs running after the
	// first failure.
	var g errgroup.Group
	for i, backend := range b.backends {
		g.Go(func() error {
			rec, err := backend.Receive(ctx, tx)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records[0], nil
}

func (b *broadcast) Read(ctx context.Context, uri string) (*store.Record, error) {
	return b.backends[0].Read(ctx, uri)
}

func (b *broadcast) ReadMulti(ctx context.Context, uris []string) (*store.MultiRead, error) {
	return b.backends[0].ReadMulti(ctx, uris)
}

func (b *broadcast) List(ctx context.Context, prefix string, opts store.ListOptions) (*store.ListPage, error) {
	return b.backends[0].List(ctx, prefix, opts)
}

func (b *broadcast) Delete(ctx context.Context, uri string) error {
	var g errgroup.Group
	for _, backend := range b.backends {
		g.Go(func() error { return backend.Delete(ctx, uri) })
	}
	return g.Wait()
}

func (b *broadcast) Health(ctx context.Context) store.Health {
	return aggregateHealth(ctx, b.backends)
}

func (b *broadcast) Schema(ctx context.Context) ([]string, error) {
	return b.backends[0].Schema(ctx)
}

func (b *broadcast) Cleanup(ctx context.Context) error {
	var first error
	for _, backend := range b.backends {
		if err := backend.Cleanup(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type sequence struct {
	backends []store.Backend
}

var _ store.Backend = (*sequence)(nil)

func (s *sequence) Receive(ctx context.Context, tx store.Transaction) (*store.Record, error) {
	var lastErr error
	for _, backend := range s.backends {
		rec, err := backend.Receive(ctx, tx)
		if err == nil {
			return rec, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *sequence) Read(ctx context.Context, uri string) (*store.Record, error) {
	var lastErr error
	for _, backend := range s.backends {
		rec, err := backend.Read(ctx, uri)
		if err == nil {
			return rec, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *sequence) ReadMulti(ctx context.Context, uris []string) (*store.MultiRead, error) {
	var lastErr error
	for _, backend := range s.backends {
		res, err := backend.ReadMulti(ctx, uris)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *sequence) List(ctx context.Context, prefix string, opts store.ListOptions) (*store.ListPage, error) {
	var lastErr error
	for _, backend := range s.backends {
		page, err := backend.List(ctx, prefix, opts)
		if err == nil {
			return page, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *sequence) Delete(ctx context.Context, uri string) error {
	var lastErr error
	for _, backend := range s.backends {
		err := backend.Delete(ctx, uri)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (s *sequence) Health(ctx context.Context) store.Health {
	return aggregateHealth(ctx, s.backends)
}

func (s *sequence) Schema(ctx context.Context) ([]string, error) {
	return s.backends[0].Schema(ctx)
}

func (s *sequence) Cleanup(ctx context.Context) error {
	var first error
	for _, backend := range s.backends {
		if err := backend.Cleanup(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// aggregateHealth reports ok iff every member is ok, with per-member
// statuses in the details.
func aggregateHealth(ctx context.Context, backends []store.Backend) store.Health {
	status := store.HealthOK
	details := make(map[string]any, len(backends))
	for i, backend := range backends {
		h := backend.Health(ctx)
		details[fmt.Sprintf("backend_%d", i)] = h.Status
		if h.Status != store.HealthOK {
			status = store.HealthDegraded
		}
	}
	return store.Health{Status: status, Details: details}
}
