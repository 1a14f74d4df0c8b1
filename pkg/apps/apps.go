// Package apps implements the multi-tenant app backend: per-app
// configuration records, origin enforcement, validated action invocation,
// and session registration. Tenant configuration is stored as a
// SignedEncryptedMessage under the server identity's account; invocations
// arrive as AuthenticatedMessages signed by the tenant's app key and are
// forwarded to the data node after placeholder substitution.
package apps

import (
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/uri"
)

// emailPattern is the only recognised stringValue format.
var emailPattern = regexp.MustCompile(`.+@.+\..+`)

// Config is one tenant's stored configuration. It lives at
// mutable://accounts/{serverPubkey}/apps/{appKey}, sealed to the server's
// encryption key and signed by the server identity.
type Config struct {
	AppKey                 string            `json:"appKey"`
	AllowedOrigins         []string          `json:"allowedOrigins,omitempty"`
	GoogleClientID         string            `json:"googleClientId,omitempty"`
	EncryptionPublicKeyHex string            `json:"encryptionPublicKeyHex,omitempty"`
	Actions                map[string]Action `json:"actions,omitempty"`
}

// Action is one invocable write exposed by a tenant.
type Action struct {
	Write      *WriteSpec      `json:"write,omitempty"`
	Validation *ValidationSpec `json:"validation,omitempty"`
}

// WriteSpec names the target URI template. Exactly one of Plain or
// Encrypted is set: plain payloads get string-format validation, encrypted
// ones are forwarded opaque.
type WriteSpec struct {
	Plain     string `json:"plain,omitempty"`
	Encrypted string `json:"encrypted,omitempty"`
}

// ValidationSpec constrains an action's payload before forwarding.
type ValidationSpec struct {
	StringValue *StringValueRule `json:"stringValue,omitempty"`
	// Expr is a CEL expression over the variable `value`; it must
	// evaluate to true for the invocation to proceed.
	Expr string `json:"expr,omitempty"`
}

// StringValueRule names a built-in string format. Only "email" is
// recognised.
type StringValueRule struct {
	Format string `json:"format"`
}

// ConfigURI returns the record address of a tenant's configuration.
func ConfigURI(serverPubHex, appKey string) string {
	return "mutable://accounts/" + serverPubHex + "/apps/" + appKey
}

// SessionURI returns the record address of an approved session key.
func SessionURI(appKey, sessionPubHex string) string {
	return "mutable://accounts/" + appKey + "/sessions/" + sessionPubHex
}

// originAllowed applies the tenant origin policy: a "*" entry admits
// everything, otherwise the origin must prefix-match one entry.
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		if a != "" && strings.HasPrefix(origin, a) {
			return true
		}
	}
	return false
}

// validateConfig rejects configurations that could not be invoked later:
// malformed write templates, unknown string formats, encrypted actions
// without a tenant encryption key, and CEL expressions that do not
// compile.
func validateConfig(env *cel.Env, cfg *Config) error {
	if cfg.AppKey == "" {
		return api.E(api.CodeValidationFailed, "config is missing appKey")
	}
	if cfg.EncryptionPublicKeyHex != "" {
		if _, err := envelope.DecodePublicHex(cfg.EncryptionPublicKeyHex); err != nil {
			return api.Errorf(api.CodeValidationFailed, "encryptionPublicKeyHex: %v", err)
		}
	}

	for name, action := range cfg.Actions {
		if action.Write == nil {
			return api.Errorf(api.CodeValidationFailed, "action %q has no write target", name)
		}
		plain, encrypted := action.Write.Plain, action.Write.Encrypted
		switch {
		case plain == "" && encrypted == "":
			return api.Errorf(api.CodeValidationFailed, "action %q has no write template", name)
		case plain != "" && encrypted != "":
			return api.Errorf(api.CodeValidationFailed, "action %q sets both plain and encrypted templates", name)
		case encrypted != "" && cfg.EncryptionPublicKeyHex == "":
			return api.Errorf(api.CodeValidationFailed, "action %q is encrypted but the config has no encryptionPublicKeyHex", name)
		}

		if err := checkTemplate(templateOf(action)); err != nil {
			return api.Errorf(api.CodeValidationFailed, "action %q: %v", name, err)
		}

		if v := action.Validation; v != nil {
			if v.StringValue != nil && v.StringValue.Format != "email" {
				return api.Errorf(api.CodeValidationFailed, "action %q: unknown string format %q", name, v.StringValue.Format)
			}
			if v.Expr != "" {
				if _, err := compileExpr(env, v.Expr); err != nil {
					return api.Errorf(api.CodeValidationFailed, "action %q: %v", name, err)
				}
			}
		}
	}
	return nil
}

func templateOf(action Action) string {
	if action.Write.Plain != "" {
		return action.Write.Plain
	}
	return action.Write.Encrypted
}

// checkTemplate verifies a write template parses as a URI once its
// placeholders are filled in.
func checkTemplate(template string) error {
	resolved := uri.Substitute(template, map[string]string{
		uri.PlaceholderKey:       strings.Repeat("0", envelope.PublicKeyHexLen),
		uri.PlaceholderSignature: strings.Repeat("0", 32),
	})
	if _, err := uri.Parse(resolved); err != nil {
		return err
	}
	return nil
}

func compileExpr(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "expr does not compile: %v", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "expr program: %v", err)
	}
	return prg, nil
}
