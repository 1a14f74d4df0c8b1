// Package node implements the transaction pipeline: URI normalisation,
// program lookup, validation, binary-safe encoding, and persistence over a
// raw storage driver. A Node is the canonical store.Backend; every other
// backend (remote client, composition) mirrors its semantics.
package node

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/binjson"
	"github.com/alcovelabs/alcove/pkg/program"
	"github.com/alcovelabs/alcove/pkg/store"
	"github.com/alcovelabs/alcove/pkg/uri"
)

type callerKeyCtx struct{}

// WithCallerKey records the caller's public key hex; Receive substitutes it
// for the :key placeholder in incoming URIs.
func WithCallerKey(ctx context.Context, pubHex string) context.Context {
	return context.WithValue(ctx, callerKeyCtx{}, pubHex)
}

// CallerKey returns the public key recorded by WithCallerKey.
func CallerKey(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(callerKeyCtx{}).(string)
	return s, ok
}

// Option configures a Node.
type Option func(*Node)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// Node composes a program registry with a storage driver. Receive is the
// sole mutating entry point; the remaining operations pass through to the
// driver with binary-safe decoding on the way out.
type Node struct {
	driver   store.Driver
	registry *program.Registry
	logger   *slog.Logger
	now      func() time.Time
}

var _ store.Backend = (*Node)(nil)

// New builds a node over driver accepting the programs in registry.
func New(driver store.Driver, registry *program.Registry, opts ...Option) *Node {
	n := &Node{
		driver:   driver,
		registry: registry,
		logger:   slog.Default().With("component", "node"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Receive validates and persists a transaction. Compound transactions fan
// out to their outputs sequentially after the enclosing record is stored;
// a failing output aborts the remainder but earlier effects stay.
func (n *Node) Receive(ctx context.Context, tx store.Transaction) (*store.Record, error) {
	raw := tx.URI
	if key, ok := CallerKey(ctx); ok {
		raw = uri.Substitute(raw, map[string]string{uri.PlaceholderKey: key})
	}
	parsed, err := uri.Parse(raw)
	if err != nil {
		return nil, err
	}

	programKey := parsed.ProgramKey()
	validator, ok := n.registry.Lookup(programKey)
	if !ok {
		return nil, api.Errorf(api.CodeUnknownProgram, "no program registered for %s", programKey)
	}
	if err := validator(ctx, program.Context{URI: parsed, Value: tx.Value, Read: n.Read}); err != nil {
		return nil, err
	}

	outputs, err := outputsOf(tx.Value)
	if err != nil {
		return nil, err
	}

	rec := store.Record{TS: n.now().UnixMilli(), Data: binjson.Encode(tx.Value)}
	if err := n.driver.Upsert(ctx, parsed.String(), rec); err != nil {
		n.logger.Error("upsert failed", "uri", parsed.String(), "error", err)
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}
	n.logger.Debug("record stored", "uri", parsed.String(), "program", programKey)

	for _, out := range outputs {
		if _, err := n.Receive(ctx, out); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// Read returns the decoded record at uri.
func (n *Node) Read(ctx context.Context, rawURI string) (*store.Record, error) {
	rec, err := n.driver.Get(ctx, rawURI)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, api.Wrap(api.CodeNotFound, err)
		}
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}
	return &store.Record{TS: rec.TS, Data: binjson.Decode(rec.Data)}, nil
}

// ReadMulti reads up to store.MaxReadMulti URIs in one round trip. Missing
// URIs appear in the result vector with a per-entry error rather than
// failing the call.
func (n *Node) ReadMulti(ctx context.Context, uris []string) (*store.MultiRead, error) {
	if len(uris) > store.MaxReadMulti {
		return nil, api.Errorf(api.CodeValidationFailed, "readMulti accepts at most %d uris, got %d", store.MaxReadMulti, len(uris))
	}
	found, err := n.driver.GetMulti(ctx, uris)
	if err != nil {
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}

	out := &store.MultiRead{
		Results: make([]store.MultiReadEntry, 0, len(uris)),
		Total:   len(uris),
	}
	for _, u := range uris {
		rec, ok := found[u]
		if !ok {
			out.Results = append(out.Results, store.MultiReadEntry{URI: u, Error: "not found"})
			continue
		}
		out.Found++
		out.Results = append(out.Results, store.MultiReadEntry{
			URI:    u,
			Record: &store.Record{TS: rec.TS, Data: binjson.Decode(rec.Data)},
		})
	}
	return out, nil
}

// List pages through records under prefix. Drivers return an unordered,
// possibly over-approximated projection; exact prefix semantics, pattern
// filtering, sorting, and pagination happen here.
func (n *Node) List(ctx context.Context, prefix string, opts store.ListOptions) (*store.ListPage, error) {
	entries, err := n.driver.Entries(ctx, prefix)
	if err != nil {
		return nil, api.Wrap(api.CodeBackendUnavailable, err)
	}
	return store.ListFromEntries(entries, prefix, opts), nil
}

// Delete removes the record at uri.
func (n *Node) Delete(ctx context.Context, rawURI string) error {
	err := n.driver.Remove(ctx, rawURI)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return api.Wrap(api.CodeNotFound, err)
	}
	return api.Wrap(api.CodeBackendUnavailable, err)
}

// Health reports driver reachability.
func (n *Node) Health(ctx context.Context) store.Health {
	if err := n.driver.Ping(ctx); err != nil {
		return store.Health{Status: store.HealthDegraded, Message: err.Error()}
	}
	return store.Health{
		Status:  store.HealthOK,
		Details: map[string]any{"programs": len(n.registry.Keys())},
	}
}

// Schema lists the registered program keys.
func (n *Node) Schema(context.Context) ([]string, error) {
	return n.registry.Keys(), nil
}

// Cleanup closes the driver.
func (n *Node) Cleanup(ctx context.Context) error {
	return n.driver.Close(ctx)
}

// outputsOf extracts compound-transaction outputs: a top-level "outputs"
// field holding [uri, value] pairs. A present but malformed outputs field
// rejects the transaction.
func outputsOf(value any) ([]store.Transaction, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, nil
	}
	field, ok := m["outputs"]
	if !ok {
		return nil, nil
	}
	list, ok := field.([]any)
	if !ok {
		return nil, api.E(api.CodeValidationFailed, "outputs must be a list of [uri, value] pairs")
	}

	outs := make([]store.Transaction, 0, len(list))
	for i, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, api.Errorf(api.CodeValidationFailed, "outputs[%d] is not a [uri, value] pair", i)
		}
		u, ok := pair[0].(string)
		if !ok {
			return nil, api.Errorf(api.CodeValidationFailed, "outputs[%d] uri is not a string", i)
		}
		outs = append(outs, store.Transaction{URI: u, Value: pair[1]})
	}
	return outs, nil
}
