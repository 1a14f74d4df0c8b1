// Package program implements the schema registry: the mapping from program
// key (protocol://domain) to the validation function that gates writes
// under it. The registry is immutable for the lifetime of a node.
package program

import (
	"context"
	"sort"

	"github.com/alcovelabs/alcove/pkg/store"
	"github.com/alcovelabs/alcove/pkg/uri"
)

// ReadFunc gives validators access to the node's own read path for
// cross-URI checks such as immutability. It returns store.ErrNotFound when
// no record exists.
type ReadFunc func(ctx context.Context, uri string) (*store.Record, error)

// Context carries everything a validator may inspect. Validators receive
// it by value and never hold references back into the node.
type Context struct {
	URI   uri.URI
	Value any
	Read  ReadFunc
}

// Validator decides whether a value may be stored at a URI. A nil return
// accepts; a non-nil error rejects with the error surfaced verbatim.
type Validator func(ctx context.Context, vc Context) error

// Registry maps program keys to validators.
type Registry struct {
	programs map[string]Validator
	keys     []string
}

// New copies programs into an immutable registry.
func New(programs map[string]Validator) *Registry {
	m := make(map[string]Validator, len(programs))
	keys := make([]string, 0, len(programs))
	for k, v := range programs {
		m[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Registry{programs: m, keys: keys}
}

// Lookup returns the validator registered under key.
func (r *Registry) Lookup(key string) (Validator, bool) {
	v, ok := r.programs[key]
	return v, ok
}

// Keys returns the registered program keys in sorted order. The slice is a
// copy.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}
