package program

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/binjson"
	"github.com/alcovelabs/alcove/pkg/canonical"
	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/store"
	"github.com/alcovelabs/alcove/pkg/uri"
)

// Builtins returns the standard program set. The map is fresh per call so
// callers can extend it before constructing a registry.
func Builtins() map[string]Validator {
	return map[string]Validator{
		"mutable://open":       alwaysValid,
		"mutable://inbox":      alwaysValid,
		"immutable://inbox":    alwaysValid,
		"mutable://accounts":   accountSigned,
		"immutable://open":     immutableOnly,
		"immutable://accounts": allOf(accountSigned, immutableOnly),
		"blob://open":          blobDigest,
		"link://accounts":      allOf(accountSigned, linkTarget),
		"link://open":          linkTarget,
	}
}

func alwaysValid(context.Context, Context) error { return nil }

// allOf chains validators; the first rejection wins.
func allOf(validators ...Validator) Validator {
	return func(ctx context.Context, vc Context) error {
		for _, v := range validators {
			if err := v(ctx, vc); err != nil {
				return err
			}
		}
		return nil
	}
}

// accountSigned requires the value to be an AuthenticatedMessage with at
// least one verifying signature whose signer owns the account segment, the
// path segment directly after the domain.
func accountSigned(_ context.Context, vc Context) error {
	if len(vc.URI.Path) == 0 || vc.URI.Path[0] == "" {
		return api.Errorf(api.CodeValidationFailed, "%s: missing account segment", vc.URI.String())
	}
	account := vc.URI.Path[0]

	m, ok := envelope.AuthenticatedFromValue(vc.Value)
	if !ok {
		return api.E(api.CodeValidationFailed, "value is not an authenticated message")
	}

	verified := m.VerifySigners()
	if len(verified) == 0 {
		return api.E(api.CodeSignatureInvalid, "no signature verified")
	}
	for _, pub := range verified {
		if pub == account {
			return nil
		}
	}
	return api.Errorf(api.CodeSignatureInvalid, "no verified signer matches account %s", account)
}

// immutableOnly rejects when a record already exists at the URI.
func immutableOnly(ctx context.Context, vc Context) error {
	u := vc.URI.String()
	_, err := vc.Read(ctx, u)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return err
	default:
		return api.Errorf(api.CodeAlreadyExists, "record already exists at %s", u)
	}
}

// blobDigest enforces content addressing: the path is a single
// {algo}:{digest} segment and the value's bytes must hash to digest. Only
// sha256 is recognised.
func blobDigest(_ context.Context, vc Context) error {
	if len(vc.URI.Path) != 1 {
		return api.Errorf(api.CodeValidationFailed, "%s: blob path must be a single algo:digest segment", vc.URI.String())
	}
	algo, digest, ok := strings.Cut(vc.URI.Path[0], ":")
	if !ok || digest == "" {
		return api.Errorf(api.CodeValidationFailed, "%s: blob path must be algo:digest", vc.URI.String())
	}
	if algo != "sha256" {
		return api.Errorf(api.CodeValidationFailed, "unknown digest algorithm %q", algo)
	}

	content, err := valueBytes(vc.Value)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != strings.ToLower(digest) {
		return api.E(api.CodeValidationFailed, "content does not match digest")
	}
	return nil
}

// valueBytes resolves the bytes a blob digest covers: raw bytes for byte
// payloads (in either Go or tagged wire form), canonical JSON of the
// encoded tree otherwise.
func valueBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t[binjson.Tag].(string); ok {
				raw, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, api.Errorf(api.CodeValidationFailed, "invalid byte payload: %v", err)
				}
				return raw, nil
			}
		}
	}
	b, err := canonical.Marshal(binjson.Encode(v))
	if err != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "value not encodable: %v", err)
	}
	return b, nil
}

// linkTarget requires the payload to re-parse as a syntactically valid
// URI. For signed variants the inner payload is checked; for open links
// the value itself.
func linkTarget(_ context.Context, vc Context) error {
	value := vc.Value
	if m, ok := envelope.AuthenticatedFromValue(value); ok {
		value = m.Payload
	}
	s, ok := value.(string)
	if !ok {
		return api.E(api.CodeValidationFailed, "link value must be a URI string")
	}
	if _, err := uri.Parse(s); err != nil {
		return api.Errorf(api.CodeValidationFailed, "link target is not a valid uri: %v", err)
	}
	return nil
}
