package apps

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/canonical"
	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/store"
	"github.com/alcovelabs/alcove/pkg/uri"
)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// Service owns the tenant configuration records and the invocation path.
// All durable state flows through the backing node; the service itself is
// stateless apart from a compiled-expression cache.
type Service struct {
	identity *envelope.ServerIdentity
	backend  store.Backend
	logger   *slog.Logger
	env      *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// Invocation is the outcome of a forwarded write: the resolved target URI
// and the record the backend accepted.
type Invocation struct {
	URI    string
	Record *store.Record
}

// NewService builds the app backend over its data node.
func NewService(identity *envelope.ServerIdentity, backend store.Backend, opts ...ServiceOption) (*Service, error) {
	env, err := cel.NewEnv(cel.Variable("value", cel.DynType))
	if err != nil {
		return nil, api.Wrap(api.CodeConfigError, err)
	}
	s := &Service{
		identity: identity,
		backend:  backend,
		logger:   slog.Default().With("component", "apps"),
		env:      env,
		programs: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoadConfig reads and unseals a tenant's configuration from any backend
// holding the record. The stored record must verify against the server
// identity before it is trusted. Exposed as a function so services that
// only consume configs, like the wallet's Google signup, do not need a
// full app Service.
func LoadConfig(ctx context.Context, backend store.Backend, identity *envelope.ServerIdentity, appKey string) (*Config, error) {
	rec, err := backend.Read(ctx, ConfigURI(identity.SigningPublicHex, appKey))
	if err != nil {
		if api.CodeOf(err) == api.CodeNotFound {
			return nil, api.Errorf(api.CodeNotFound, "no configuration for app %s", appKey)
		}
		return nil, err
	}

	sealed, ok := envelope.SignedEncryptedFromValue(rec.Data)
	if !ok {
		return nil, api.Errorf(api.CodeValidationFailed, "stored configuration for app %s is not a sealed message", appKey)
	}
	res, err := envelope.VerifyAndDecrypt(sealed, identity.EncryptionPrivate)
	if err != nil {
		return nil, err
	}
	if !res.Verified || !containsKey(res.VerifiedSigners, identity.SigningPublicHex) {
		return nil, api.Errorf(api.CodeSignatureInvalid, "stored configuration for app %s is not signed by this server", appKey)
	}

	var cfg Config
	if err := reshape(res.Value, &cfg); err != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "stored configuration for app %s is malformed: %v", appKey, err)
	}
	return &cfg, nil
}

// LoadConfig reads and unseals a tenant's configuration from the service's
// own backend.
func (s *Service) LoadConfig(ctx context.Context, appKey string) (*Config, error) {
	return LoadConfig(ctx, s.backend, s.identity, appKey)
}

// PutConfig merges the signed update into the tenant's configuration and
// re-persists it. The body must be an AuthenticatedMessage whose single
// signer is the app key itself.
func (s *Service) PutConfig(ctx context.Context, appKey string, body any) (*Config, error) {
	m, err := requireSignedBy(body, appKey, true)
	if err != nil {
		return nil, err
	}

	var incoming Config
	if err := reshape(m.Payload, &incoming); err != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "config payload is malformed: %v", err)
	}
	incoming.AppKey = appKey

	existing, err := s.LoadConfig(ctx, appKey)
	switch {
	case err == nil:
	case api.CodeOf(err) == api.CodeNotFound:
		existing = &Config{AppKey: appKey}
	default:
		return nil, err
	}

	merged := mergeConfig(existing, &incoming)
	if err := validateConfig(s.env, merged); err != nil {
		return nil, err
	}

	sealed, err := envelope.NewSignedEncryptedMessage(merged,
		[]envelope.Signer{s.identity.Signer()}, s.identity.EncryptionPublicHex)
	if err != nil {
		return nil, err
	}
	if _, err := s.backend.Receive(ctx, store.Transaction{
		URI:   ConfigURI(s.identity.SigningPublicHex, appKey),
		Value: sealed,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("app config updated", "app", appKey, "actions", len(merged.Actions))
	return merged, nil
}

// PublicConfig is the view served to browsers: what a client needs to sign
// up, encrypt to the tenant, and name actions. Write templates and
// validation rules stay private.
func (s *Service) PublicConfig(ctx context.Context, appKey string) (map[string]any, error) {
	cfg, err := s.LoadConfig(ctx, appKey)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Actions))
	for name := range cfg.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{
		"appKey":                 cfg.AppKey,
		"allowedOrigins":         cfg.AllowedOrigins,
		"googleClientId":         cfg.GoogleClientID,
		"encryptionPublicKeyHex": cfg.EncryptionPublicKeyHex,
		"actions":                names,
	}, nil
}

// Invoke runs one action: verify the signed body, enforce the tenant
// origin policy, validate the payload, substitute placeholders in the
// write template, and forward the signed body to the backend.
func (s *Service) Invoke(ctx context.Context, appKey, action, origin string, body any) (*Invocation, error) {
	cfg, err := s.LoadConfig(ctx, appKey)
	if err != nil {
		return nil, err
	}
	if !originAllowed(origin, cfg.AllowedOrigins) {
		return nil, api.Errorf(api.CodeOriginNotAllowed, "origin %q is not allowed for app %s", origin, appKey)
	}

	m, err := requireSignedBy(body, appKey, false)
	if err != nil {
		return nil, err
	}
	act, ok := cfg.Actions[action]
	if !ok {
		return nil, api.Errorf(api.CodeNotFound, "app %s has no action %q", appKey, action)
	}

	if err := s.validatePayload(act, m.Payload); err != nil {
		return nil, err
	}

	digest, err := canonical.DigestHex32(m.Payload)
	if err != nil {
		return nil, api.Wrap(api.CodeValidationFailed, err)
	}
	resolved := uri.Substitute(templateOf(act), map[string]string{
		uri.PlaceholderKey:       appKey,
		uri.PlaceholderSignature: digest,
	})

	rec, err := s.backend.Receive(ctx, store.Transaction{URI: resolved, Value: m})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("action forwarded", "app", appKey, "action", action, "uri", resolved)
	return &Invocation{URI: resolved, Record: rec}, nil
}

// RegisterSession approves a session public key for the app: the signed
// body's payload names the key, and the signed body itself is stored at
// the session address so the approval remains verifiable.
func (s *Service) RegisterSession(ctx context.Context, appKey, origin string, body any) (*Invocation, error) {
	cfg, err := s.LoadConfig(ctx, appKey)
	if err != nil {
		return nil, err
	}
	if !originAllowed(origin, cfg.AllowedOrigins) {
		return nil, api.Errorf(api.CodeOriginNotAllowed, "origin %q is not allowed for app %s", origin, appKey)
	}

	m, err := requireSignedBy(body, appKey, false)
	if err != nil {
		return nil, err
	}
	payload, ok := m.Payload.(map[string]any)
	if !ok {
		return nil, api.E(api.CodeValidationFailed, "session payload must be an object")
	}
	sessionPub, _ := payload["sessionPubkey"].(string)
	if _, err := envelope.DecodePublicHex(sessionPub); err != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "sessionPubkey: %v", err)
	}

	target := SessionURI(appKey, sessionPub)
	rec, err := s.backend.Receive(ctx, store.Transaction{URI: target, Value: m})
	if err != nil {
		return nil, err
	}
	s.logger.Info("session approved", "app", appKey, "session", sessionPub)
	return &Invocation{URI: target, Record: rec}, nil
}

// Health reports the backing node's health.
func (s *Service) Health(ctx context.Context) store.Health {
	return s.backend.Health(ctx)
}

func (s *Service) validatePayload(action Action, payload any) error {
	v := action.Validation
	if v == nil {
		return nil
	}
	if v.StringValue != nil && action.Write.Plain != "" {
		str, ok := payload.(string)
		if !ok {
			return api.E(api.CodeValidationFailed, "payload must be a string")
		}
		if v.StringValue.Format == "email" && !emailPattern.MatchString(str) {
			return api.E(api.CodeValidationFailed, "payload is not a valid email address")
		}
	}
	if v.Expr != "" {
		ok, err := s.evalExpr(v.Expr, payload)
		if err != nil {
			return err
		}
		if !ok {
			return api.E(api.CodeValidationFailed, "payload rejected by validation expression")
		}
	}
	return nil
}

// evalExpr evaluates a CEL validation expression against the payload.
// Compiled programs are cached per expression source.
func (s *Service) evalExpr(expr string, payload any) (bool, error) {
	s.mu.RLock()
	prg, hit := s.programs[expr]
	s.mu.RUnlock()

	if !hit {
		s.mu.Lock()
		if prg, hit = s.programs[expr]; !hit {
			p, err := compileExpr(s.env, expr)
			if err != nil {
				s.mu.Unlock()
				return false, err
			}
			s.programs[expr] = p
			prg = p
		}
		s.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"value": payload})
	if err != nil {
		return false, api.Errorf(api.CodeValidationFailed, "validation expression failed: %v", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, api.E(api.CodeValidationFailed, "validation expression did not return a boolean")
	}
	return b, nil
}

// requireSignedBy checks that body is an AuthenticatedMessage with a
// verified signature from key. With single set, exactly one auth entry is
// permitted.
func requireSignedBy(body any, key string, single bool) (*envelope.AuthenticatedMessage, error) {
	m, ok := envelope.AuthenticatedFromValue(body)
	if !ok {
		return nil, api.E(api.CodeValidationFailed, "body is not an authenticated message")
	}
	if single && len(m.Auth) != 1 {
		return nil, api.E(api.CodeValidationFailed, "exactly one signer required")
	}
	for _, pub := range m.VerifySigners() {
		if pub == key {
			return m, nil
		}
	}
	return nil, api.Errorf(api.CodeSignatureInvalid, "no verified signer matches app key %s", key)
}

func mergeConfig(existing, incoming *Config) *Config {
	merged := *existing
	if incoming.AllowedOrigins != nil {
		merged.AllowedOrigins = incoming.AllowedOrigins
	}
	if incoming.GoogleClientID != "" {
		merged.GoogleClientID = incoming.GoogleClientID
	}
	if incoming.EncryptionPublicKeyHex != "" {
		merged.EncryptionPublicKeyHex = incoming.EncryptionPublicKeyHex
	}
	if incoming.Actions != nil {
		actions := make(map[string]Action, len(merged.Actions)+len(incoming.Actions))
		for k, v := range merged.Actions {
			actions[k] = v
		}
		for k, v := range incoming.Actions {
			actions[k] = v
		}
		merged.Actions = actions
	}
	return &merged
}

// reshape converts a decoded JSON value into a typed struct.
func reshape(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
