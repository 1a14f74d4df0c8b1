// Package wallet implements the credential server: signup and login,
// password lifecycle, custody of per-user keypairs, and signed proxy
// writes performed on the user's behalf. Durable state lives in two
// backends, a credential node for account records and a proxy node for
// user data, both consumed through store.Backend.
package wallet

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/apps"
	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/store"
	"github.com/alcovelabs/alcove/pkg/uri"
)

const (
	defaultTokenTTL      = 24 * time.Hour
	defaultResetTTL      = time.Hour
	defaultAuthPerMinute = 10
	defaultAuthBurst     = 10
)

var (
	errInvalidCredentials = api.E(api.CodeUnauthorized, "invalid username or password")
	errInvalidResetToken  = api.E(api.CodeUnauthorized, "invalid or expired reset token")
)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock substitutes the time source, used by tests to drive token and
// reset expiry.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithLimiter replaces the in-process auth limiter, typically with a
// RedisLimiter shared across replicas.
func WithLimiter(l Limiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

// WithGoogleVerifier enables google signups.
func WithGoogleVerifier(v GoogleVerifier) ServiceOption {
	return func(s *Service) { s.google = v }
}

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.tokenTTL = ttl }
}

// WithResetTTL sets the password reset token lifetime.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.resetTTL = ttl }
}

// Service holds the wallet's boot-time immutable state: server identity,
// token secret, and the two backends. All durable records flow through the
// credential backend except session lookups and proxy writes, which go to
// the proxy backend.
type Service struct {
	identity   *envelope.ServerIdentity
	credential store.Backend
	proxy      store.Backend
	tokens     *tokenManager
	tokenTTL   time.Duration
	resetTTL   time.Duration
	limiter    Limiter
	google     GoogleVerifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewService builds the wallet over its credential and proxy backends.
func NewService(identity *envelope.ServerIdentity, credential, proxy store.Backend, jwtSecret string, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		identity:   identity,
		credential: credential,
		proxy:      proxy,
		tokenTTL:   defaultTokenTTL,
		resetTTL:   defaultResetTTL,
		limiter:    NewLocalLimiter(defaultAuthPerMinute, defaultAuthBurst),
		logger:     slog.Default().With("component", "wallet"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	tm, err := newTokenManager(jwtSecret, s.tokenTTL, s.now)
	if err != nil {
		return nil, err
	}
	s.tokens = tm
	return s, nil
}

// SignupRequest is dispatched on Type: "password" requires Username and
// Password, "google" requires IDToken.
type SignupRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
	IDToken  string `json:"idToken"`
}

// LoginRequest authenticates a user within an approved app session.
type LoginRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	SessionPubkey string `json:"sessionPubkey"`
}

// ChangePasswordRequest rotates the password of an authenticated user.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// ResetRequest asks for a single-use reset token.
type ResetRequest struct {
	Username string `json:"username"`
}

// ResetToken is the issued single-use token and its expiry in unix
// milliseconds.
type ResetToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// ResetPasswordRequest redeems a reset token for a new password.
type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// AuthResult carries a fresh access token.
type AuthResult struct {
	Token            string `json:"token"`
	Username         string `json:"username"`
	AccountPublicKey string `json:"accountPublicKey,omitempty"`
}

// ProxyWriteRequest is a write performed with the user's own keys. When
// Encrypt is set the value is sealed to the user's encryption key before
// signing.
type ProxyWriteRequest struct {
	URI     string `json:"uri"`
	Value   any    `json:"value"`
	Encrypt bool   `json:"encrypt"`
}

// ProxyWriteResult reports the URI after placeholder substitution and the
// record the proxy backend accepted.
type ProxyWriteResult struct {
	URI    string        `json:"uri"`
	Record *store.Record `json:"record"`
}

type profile struct {
	Username            string `json:"username"`
	AuthType            string `json:"authType"`
	AccountPublicKey    string `json:"accountPublicKey"`
	EncryptionPublicKey string `json:"encryptionPublicKey"`
	CreatedAt           int64  `json:"createdAt"`
}

// keyRecord is the sealed shape of persisted user key material.
type keyRecord struct {
	PublicKeyHex  string `json:"publicKeyHex"`
	PrivateKeyPEM string `json:"privateKeyPem"`
}

type resetRecord struct {
	Username  string `json:"username"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (s *Service) userURI(username string) string {
	return "mutable://accounts/" + s.identity.SigningPublicHex + "/users/" + username
}

func (s *Service) passwordURI(username string) string {
	return s.userURI(username) + "/password"
}

func (s *Service) accountKeyURI(username string) string {
	return s.userURI(username) + "/account-key"
}

func (s *Service) encryptionKeyURI(username string) string {
	return s.userURI(username) + "/encryption-key"
}

func (s *Service) resetTokenURI(token string) string {
	return "mutable://accounts/" + s.identity.SigningPublicHex + "/reset-tokens/" + token
}

// Signup dispatches on the request type.
func (s *Service) Signup(ctx context.Context, appKey string, req SignupRequest) (*AuthResult, error) {
	switch req.Type {
	case "password":
		return s.signupPassword(ctx, req)
	case "google":
		return s.signupGoogle(ctx, appKey, req)
	default:
		return nil, api.Errorf(api.CodeValidationFailed, "unsupported signup type %q", req.Type)
	}
}

func (s *Service) signupPassword(ctx context.Context, req SignupRequest) (*AuthResult, error) {
	username, err := normalizeUsername(req.Username)
	if err != nil {
		return nil, err
	}
	if err := checkPasswordPolicy(req.Password); err != nil {
		return nil, err
	}
	if err := s.ensureAbsent(ctx, username); err != nil {
		return nil, err
	}
	hashed, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	accountPub, err := s.createUser(ctx, username, "password")
	if err != nil {
		return nil, err
	}
	if err := s.signedReceive(ctx, s.passwordURI(username), hashed); err != nil {
		return nil, err
	}
	token, err := s.tokens.issue(username)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, Username: username, AccountPublicKey: accountPub}, nil
}

func (s *Service) signupGoogle(ctx context.Context, appKey string, req SignupRequest) (*AuthResult, error) {
	if s.google == nil {
		return nil, api.E(api.CodeConfigError, "google signup is not configured")
	}
	if req.IDToken == "" {
		return nil, api.E(api.CodeValidationFailed, "idToken is required")
	}
	cfg, err := apps.LoadConfig(ctx, s.credential, s.identity, appKey)
	if err != nil {
		if api.CodeOf(err) == api.CodeNotFound {
			return nil, api.Errorf(api.CodeValidationFailed, "app %s has no google client configured", appKey)
		}
		return nil, err
	}
	if cfg.GoogleClientID == "" {
		return nil, api.Errorf(api.CodeValidationFailed, "app %s has no google client configured", appKey)
	}
	subject, err := s.google.Verify(ctx, req.IDToken, cfg.GoogleClientID)
	if err != nil {
		return nil, err
	}
	username, err := normalizeUsername("google-" + subject)
	if err != nil {
		return nil, err
	}

	// Google signups are idempotent: an existing subject just gets a
	// fresh token.
	prof, err := s.readProfile(ctx, username)
	switch {
	case err == nil:
		token, err := s.tokens.issue(username)
		if err != nil {
			return nil, err
		}
		return &AuthResult{Token: token, Username: username, AccountPublicKey: prof.AccountPublicKey}, nil
	case api.CodeOf(err) == api.CodeNotFound:
	default:
		return nil, err
	}

	accountPub, err := s.createUser(ctx, username, "google")
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.issue(username)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, Username: username, AccountPublicKey: accountPub}, nil
}

// Login verifies the password and requires an approved app session.
func (s *Service) Login(ctx context.Context, appKey string, req LoginRequest) (*AuthResult, error) {
	username, err := normalizeUsername(req.Username)
	if err != nil {
		return nil, err
	}
	if err := s.requireApprovedSession(ctx, appKey, req.SessionPubkey); err != nil {
		return nil, err
	}
	stored, err := s.readPasswordRecord(ctx, username)
	if err != nil {
		if api.CodeOf(err) == api.CodeNotFound {
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	if !stored.verify(req.Password) {
		return nil, errInvalidCredentials
	}
	token, err := s.tokens.issue(username)
	if err != nil {
		return nil, err
	}
	account := ""
	if prof, err := s.readProfile(ctx, username); err == nil {
		account = prof.AccountPublicKey
	}
	s.logger.Info("login", "username", username, "app", appKey)
	return &AuthResult{Token: token, Username: username, AccountPublicKey: account}, nil
}

// ChangePassword rotates the password after verifying the old one.
// username comes from a validated access token.
func (s *Service) ChangePassword(ctx context.Context, username string, req ChangePasswordRequest) error {
	if err := checkPasswordPolicy(req.NewPassword); err != nil {
		return err
	}
	stored, err := s.readPasswordRecord(ctx, username)
	if err != nil {
		if api.CodeOf(err) == api.CodeNotFound {
			return errInvalidCredentials
		}
		return err
	}
	if !stored.verify(req.OldPassword) {
		return errInvalidCredentials
	}
	hashed, err := hashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.signedReceive(ctx, s.passwordURI(username), hashed); err != nil {
		return err
	}
	s.logger.Info("password changed", "username", username)
	return nil
}

// RequestReset issues a single-use reset token for an existing user.
func (s *Service) RequestReset(ctx context.Context, req ResetRequest) (*ResetToken, error) {
	username, err := normalizeUsername(req.Username)
	if err != nil {
		return nil, err
	}
	if _, err := s.readProfile(ctx, username); err != nil {
		if api.CodeOf(err) == api.CodeNotFound {
			return nil, api.Errorf(api.CodeNotFound, "user %s does not exist", username)
		}
		return nil, err
	}
	token := uuid.NewString()
	expiresAt := s.now().Add(s.resetTTL).UnixMilli()
	if err := s.signedReceive(ctx, s.resetTokenURI(token), resetRecord{Username: username, ExpiresAt: expiresAt}); err != nil {
		return nil, err
	}
	s.logger.Info("password reset requested", "username", username)
	return &ResetToken{Token: token, ExpiresAt: expiresAt}, nil
}

// ResetPassword redeems a reset token. The token record is deleted before
// the new password is written, so a token can be spent at most once even
// under concurrent redemption.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) (*AuthResult, error) {
	if req.Token == "" {
		return nil, errInvalidResetToken
	}
	if err := checkPasswordPolicy(req.NewPassword); err != nil {
		return nil, err
	}
	payload, err := s.readSigned(ctx, s.resetTokenURI(req.Token))
	if err != nil {
		if api.CodeOf(err) == api.CodeNotFound {
			return nil, errInvalidResetToken
		}
		return nil, err
	}
	var stored resetRecord
	if err := reshape(payload, &stored); err != nil {
		return nil, errInvalidResetToken
	}
	if s.now().UnixMilli() > stored.ExpiresAt {
		_ = s.credential.Delete(ctx, s.resetTokenURI(req.Token))
		return nil, errInvalidResetToken
	}
	if err := s.credential.Delete(ctx, s.resetTokenURI(req.Token)); err != nil {
		if api.CodeOf(err) == api.CodeNotFound {
			return nil, errInvalidResetToken
		}
		return nil, err
	}
	hashed, err := hashPassword(req.NewPassword)
	if err != nil {
		return nil, err
	}
	if err := s.signedReceive(ctx, s.passwordURI(stored.Username), hashed); err != nil {
		return nil, err
	}
	token, err := s.tokens.issue(stored.Username)
	if err != nil {
		return nil, err
	}
	account := ""
	if prof, err := s.readProfile(ctx, stored.Username); err == nil {
		account = prof.AccountPublicKey
	}
	s.logger.Info("password reset", "username", stored.Username)
	return &AuthResult{Token: token, Username: stored.Username, AccountPublicKey: account}, nil
}

// ProxyWrite signs the value with the user's account key and forwards it
// to the proxy backend. username comes from a validated access token.
func (s *Service) ProxyWrite(ctx context.Context, username string, req ProxyWriteRequest) (*ProxyWriteResult, error) {
	if req.URI == "" {
		return nil, api.E(api.CodeInvalidURI, "uri is required")
	}
	account, err := s.readKeyRecord(ctx, s.accountKeyURI(username))
	if err != nil {
		return nil, err
	}
	priv, err := envelope.ParseSigningPrivatePEM(account.PrivateKeyPEM)
	if err != nil {
		return nil, api.Wrap(api.CodeConfigError, err)
	}
	signer := envelope.Signer{PublicHex: account.PublicKeyHex, Private: priv}
	resolved := uri.Substitute(req.URI, map[string]string{uri.PlaceholderKey: account.PublicKeyHex})

	var value any
	if req.Encrypt {
		enc, err := s.readKeyRecord(ctx, s.encryptionKeyURI(username))
		if err != nil {
			return nil, err
		}
		sealed, err := envelope.NewSignedEncryptedMessage(req.Value, []envelope.Signer{signer}, enc.PublicKeyHex)
		if err != nil {
			return nil, err
		}
		value = sealed
	} else {
		m, err := envelope.NewAuthenticatedMessage(req.Value, []envelope.Signer{signer})
		if err != nil {
			return nil, err
		}
		value = m
	}

	rec, err := s.proxy.Receive(ctx, store.Transaction{URI: resolved, Value: value})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("proxy write", "username", username, "uri", resolved)
	return &ProxyWriteResult{URI: resolved, Record: rec}, nil
}

// Authenticate validates a bearer token and returns its username.
func (s *Service) Authenticate(token string) (string, error) {
	return s.tokens.validate(token)
}

// CheckAuthRate enforces the per-key auth budget. Keys combine the route
// with the username and client address.
func (s *Service) CheckAuthRate(ctx context.Context, key string) error {
	allowed, err := s.limiter.Allow(ctx, key)
	if err != nil {
		return api.Wrap(api.CodeBackendUnavailable, err)
	}
	if !allowed {
		return api.E(api.CodeRateLimited, "too many attempts, slow down")
	}
	return nil
}

// Health aggregates both backends; degraded if either is.
func (s *Service) Health(ctx context.Context) store.Health {
	cred := s.credential.Health(ctx)
	prox := s.proxy.Health(ctx)
	status := store.HealthOK
	if cred.Status != store.HealthOK || prox.Status != store.HealthOK {
		status = store.HealthDegraded
	}
	return store.Health{
		Status: status,
		Details: map[string]any{
			"credential": cred.Status,
			"proxy":      prox.Status,
		},
	}
}

func (s *Service) ensureAbsent(ctx context.Context, username string) error {
	_, err := s.credential.Read(ctx, s.userURI(username))
	switch {
	case err == nil:
		return api.Errorf(api.CodeAlreadyExists, "user %s already exists", username)
	case api.CodeOf(err) == api.CodeNotFound:
		return nil
	default:
		return err
	}
}

// createUser generates the user's keypairs and persists the profile and
// both sealed key records. Returns the account public key.
func (s *Service) createUser(ctx context.Context, username, authType string) (string, error) {
	signKP, err := envelope.GenerateSigningKeypair()
	if err != nil {
		return "", api.Wrap(api.CodeConfigError, err)
	}
	encKP, err := envelope.GenerateEncryptionKeypair()
	if err != nil {
		return "", api.Wrap(api.CodeConfigError, err)
	}
	prof := profile{
		Username:            username,
		AuthType:            authType,
		AccountPublicKey:    signKP.PublicHex,
		EncryptionPublicKey: encKP.PublicHex,
		CreatedAt:           s.now().UnixMilli(),
	}
	if err := s.signedReceive(ctx, s.userURI(username), prof); err != nil {
		return "", err
	}
	if err := s.sealedReceive(ctx, s.accountKeyURI(username), keyRecord{PublicKeyHex: signKP.PublicHex, PrivateKeyPEM: signKP.PrivatePEM}); err != nil {
		return "", err
	}
	if err := s.sealedReceive(ctx, s.encryptionKeyURI(username), keyRecord{PublicKeyHex: encKP.PublicHex, PrivateKeyPEM: encKP.PrivatePEM}); err != nil {
		return "", err
	}
	s.logger.Info("user created", "username", username, "auth", authType)
	return signKP.PublicHex, nil
}

func (s *Service) requireApprovedSession(ctx context.Context, appKey, sessionPubkey string) error {
	if appKey == "" || sessionPubkey == "" {
		return api.E(api.CodeUnauthorized, "login requires an approved app session")
	}
	rec, err := s.proxy.Read(ctx, apps.SessionURI(appKey, sessionPubkey))
	if err != nil {
		if api.CodeOf(err) == api.CodeNotFound {
			return api.E(api.CodeUnauthorized, "app session is not approved")
		}
		return err
	}
	if !sessionApproved(rec.Data, appKey) {
		return api.E(api.CodeUnauthorized, "app session is not approved")
	}
	return nil
}

// sessionApproved recognises both approval shapes: the bare marker 1, and
// the app-signed message the app backend's session endpoint stores.
func sessionApproved(data any, appKey string) bool {
	if m, ok := envelope.AuthenticatedFromValue(data); ok {
		return containsKey(m.VerifySigners(), appKey)
	}
	switch v := data.(type) {
	case float64:
		return v == 1
	case int:
		return v == 1
	case int64:
		return v == 1
	}
	return false
}

// signedReceive wraps the value in a server-signed message and stores it
// on the credential backend.
func (s *Service) signedReceive(ctx context.Context, target string, value any) error {
	m, err := envelope.NewAuthenticatedMessage(value, []envelope.Signer{s.identity.Signer()})
	if err != nil {
		return err
	}
	_, err = s.credential.Receive(ctx, store.Transaction{URI: target, Value: m})
	return err
}

// sealedReceive signs and encrypts the value to the server's own X25519
// key before storing. Used for user key custody.
func (s *Service) sealedReceive(ctx context.Context, target string, value any) error {
	m, err := envelope.NewSignedEncryptedMessage(value,
		[]envelope.Signer{s.identity.Signer()}, s.identity.EncryptionPublicHex)
	if err != nil {
		return err
	}
	_, err = s.credential.Receive(ctx, store.Transaction{URI: target, Value: m})
	return err
}

// readSigned returns the payload of a credential record after checking
// the server's own signature on the wrapper.
func (s *Service) readSigned(ctx context.Context, target string) (any, error) {
	rec, err := s.credential.Read(ctx, target)
	if err != nil {
		return nil, err
	}
	m, ok := envelope.AuthenticatedFromValue(rec.Data)
	if !ok {
		return nil, api.E(api.CodeValidationFailed, "credential record is not an authenticated message")
	}
	if !containsKey(m.VerifySigners(), s.identity.SigningPublicHex) {
		return nil, api.E(api.CodeSignatureInvalid, "credential record is not signed by this server")
	}
	return m.Payload, nil
}

// readKeyRecord unseals persisted key material.
func (s *Service) readKeyRecord(ctx context.Context, target string) (*keyRecord, error) {
	rec, err := s.credential.Read(ctx, target)
	if err != nil {
		return nil, err
	}
	sealed, ok := envelope.SignedEncryptedFromValue(rec.Data)
	if !ok {
		return nil, api.E(api.CodeValidationFailed, "stored key record is not a sealed message")
	}
	res, err := envelope.VerifyAndDecrypt(sealed, s.identity.EncryptionPrivate)
	if err != nil {
		return nil, err
	}
	if !res.Verified || !containsKey(res.VerifiedSigners, s.identity.SigningPublicHex) {
		return nil, api.E(api.CodeSignatureInvalid, "stored key record is not signed by this server")
	}
	var kr keyRecord
	if err := reshape(res.Value, &kr); err != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "stored key record is malformed: %v", err)
	}
	return &kr, nil
}

func (s *Service) readProfile(ctx context.Context, username string) (*profile, error) {
	payload, err := s.readSigned(ctx, s.userURI(username))
	if err != nil {
		return nil, err
	}
	var p profile
	if err := reshape(payload, &p); err != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "stored profile for %s is malformed: %v", username, err)
	}
	return &p, nil
}

func (s *Service) readPasswordRecord(ctx context.Context, username string) (*passwordRecord, error) {
	payload, err := s.readSigned(ctx, s.passwordURI(username))
	if err != nil {
		return nil, err
	}
	var rec passwordRecord
	if err := reshape(payload, &rec); err != nil {
		return nil, api.Errorf(api.CodeValidationFailed, "stored password record for %s is malformed: %v", username, err)
	}
	return &rec, nil
}

// reshape moves a decoded JSON value into a typed struct.
func reshape(from any, to any) error {
	raw, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, to)
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
