// Package uri implements the record addressing model: canonical
// protocol://domain/path parsing, program-key extraction, placeholder
// substitution, and the prefix semantics used by listings.
package uri

import (
	"regexp"
	"sort"
	"strings"

	"github.com/alcovelabs/alcove/pkg/api"
)

// protocolPattern constrains the scheme part of a record URI.
var protocolPattern = regexp.MustCompile(`^[a-z][a-z+.\-]*$`)

// Placeholders substituted into template URIs before dispatch. They are
// never stored.
const (
	PlaceholderKey       = ":key"
	PlaceholderSignature = ":signature"
)

// URI is a parsed record address. Path holds the segments after the domain,
// in order, possibly empty.
type URI struct {
	Protocol string
	Domain   string
	Path     []string
}

// Parse validates and decomposes a canonical URI string.
func Parse(s string) (URI, error) {
	protocol, rest, ok := strings.Cut(s, "://")
	if !ok {
		return URI{}, api.Errorf(api.CodeInvalidURI, "invalid uri %q: missing '://'", s)
	}
	if !protocolPattern.MatchString(protocol) {
		return URI{}, api.Errorf(api.CodeInvalidURI, "invalid uri %q: bad protocol %q", s, protocol)
	}

	segments := strings.Split(rest, "/")
	domain := segments[0]
	if domain == "" {
		return URI{}, api.Errorf(api.CodeInvalidURI, "invalid uri %q: empty domain", s)
	}

	u := URI{Protocol: protocol, Domain: domain}
	if len(segments) > 1 {
		u.Path = segments[1:]
	}
	return u, nil
}

// MustParse is Parse for static inputs; it panics on failure.
func MustParse(s string) URI {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ProgramKey returns protocol://domain, the registry key for this URI.
func (u URI) ProgramKey() string {
	return u.Protocol + "://" + u.Domain
}

// String reassembles the canonical form.
func (u URI) String() string {
	if len(u.Path) == 0 {
		return u.ProgramKey()
	}
	return u.ProgramKey() + "/" + strings.Join(u.Path, "/")
}

// Substitute performs purely textual placeholder replacement on a template
// URI. Longer placeholders are replaced first so that one placeholder can
// never corrupt another.
func Substitute(template string, subs map[string]string) string {
	keys := make([]string, 0, len(subs))
	for k := range subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	out := template
	for _, k := range keys {
		out = strings.ReplaceAll(out, k, subs[k])
	}
	return out
}

// HasPrefix reports whether full falls under prefix. A URI matches its own
// prefix exactly, or as a directory member with an implicit trailing slash.
func HasPrefix(full, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return full == prefix || strings.HasPrefix(full, prefix+"/")
}

// IsDirectoryMatch reports whether full lies strictly below prefix, that
// is, it matches with at least one more path segment.
func IsDirectoryMatch(full, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return full != prefix && strings.HasPrefix(full, prefix+"/")
}
