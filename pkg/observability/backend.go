package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alcovelabs/alcove/pkg/store"
)

// InstrumentedBackend decorates a store.Backend with a span and RED metrics
// per operation. Wrapping a disabled provider is free, so daemons wrap
// unconditionally.
type InstrumentedBackend struct {
	provider *Provider
	next     store.Backend
}

var _ store.Backend = (*InstrumentedBackend)(nil)

// InstrumentBackend wraps next so every backend call is tracked through p.
func InstrumentBackend(p *Provider, next store.Backend) *InstrumentedBackend {
	return &InstrumentedBackend{provider: p, next: next}
}

func opAttr(name string) attribute.KeyValue {
	return attribute.String("operation", name)
}

func (b *InstrumentedBackend) Receive(ctx context.Context, tx store.Transaction) (*store.Record, error) {
	ctx, done := b.provider.TrackOperation(ctx, "store.receive", opAttr("receive"))
	rec, err := b.next.Receive(ctx, tx)
	done(err)
	return rec, err
}

func (b *InstrumentedBackend) Read(ctx context.Context, uri string) (*store.Record, error) {
	ctx, done := b.provider.TrackOperation(ctx, "store.read", opAttr("read"))
	rec, err := b.next.Read(ctx, uri)
	done(err)
	return rec, err
}

func (b *InstrumentedBackend) ReadMulti(ctx context.Context, uris []string) (*store.MultiRead, error) {
	ctx, done := b.provider.TrackOperation(ctx, "store.read_multi", opAttr("read_multi"))
	out, err := b.next.ReadMulti(ctx, uris)
	done(err)
	return out, err
}

func (b *InstrumentedBackend) List(ctx context.Context, prefix string, opts store.ListOptions) (*store.ListPage, error) {
	ctx, done := b.provider.TrackOperation(ctx, "store.list", opAttr("list"))
	page, err := b.next.List(ctx, prefix, opts)
	done(err)
	return page, err
}

func (b *InstrumentedBackend) Delete(ctx context.Context, uri string) error {
	ctx, done := b.provider.TrackOperation(ctx, "store.delete", opAttr("delete"))
	err := b.next.Delete(ctx, uri)
	done(err)
	return err
}

func (b *InstrumentedBackend) Health(ctx context.Context) store.Health {
	ctx, done := b.provider.TrackOperation(ctx, "store.health", opAttr("health"))
	h := b.next.Health(ctx)
	done(nil)
	return h
}

func (b *InstrumentedBackend) Schema(ctx context.Context) ([]string, error) {
	ctx, done := b.provider.TrackOperation(ctx, "store.schema", opAttr("schema"))
	keys, err := b.next.Schema(ctx)
	done(err)
	return keys, err
}

func (b *InstrumentedBackend) Cleanup(ctx context.Context) error {
	return b.next.Cleanup(ctx)
}
