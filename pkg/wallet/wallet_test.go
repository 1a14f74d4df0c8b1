package wallet_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/apps"
	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/node"
	"github.com/alcovelabs/alcove/pkg/program"
	"github.com/alcovelabs/alcove/pkg/store"
	"github.com/alcovelabs/alcove/pkg/wallet"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestIdentity(t *testing.T) *envelope.ServerIdentity {
	t.Helper()
	sign, err := envelope.GenerateSigningKeypair()
	require.NoError(t, err)
	enc, err := envelope.GenerateEncryptionKeypair()
	require.NoError(t, err)
	return &envelope.ServerIdentity{
		SigningPublicHex:    sign.PublicHex,
		SigningPrivate:      sign.Private,
		EncryptionPublicHex: enc.PublicHex,
		EncryptionPrivate:   enc.Private,
	}
}

// fakeClock is a movable time source shared with the service under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type walletFixture struct {
	svc        *wallet.Service
	identity   *envelope.ServerIdentity
	credential store.Backend
	proxy      store.Backend
	clock      *fakeClock
}

func newWallet(t *testing.T, opts ...wallet.ServiceOption) *walletFixture {
	t.Helper()
	identity := newTestIdentity(t)
	credential := node.New(store.NewMemory(), program.New(program.Builtins()))
	proxy := node.New(store.NewMemory(), program.New(program.Builtins()))
	clock := newFakeClock()
	base := []wallet.ServiceOption{wallet.WithClock(clock.Now)}
	svc, err := wallet.NewService(identity, credential, proxy, testSecret, append(base, opts...)...)
	require.NoError(t, err)
	return &walletFixture{svc: svc, identity: identity, credential: credential, proxy: proxy, clock: clock}
}

func newAppKey(t *testing.T) envelope.SigningKeypair {
	t.Helper()
	kp, err := envelope.GenerateSigningKeypair()
	require.NoError(t, err)
	return kp
}

// approveSession writes the app-signed approval the app backend would
// store for a browser session.
func approveSession(t *testing.T, f *walletFixture, app envelope.SigningKeypair, sessionPub string) {
	t.Helper()
	m, err := envelope.NewAuthenticatedMessage(
		map[string]any{"sessionPubkey": sessionPub}, []envelope.Signer{app.Signer()})
	require.NoError(t, err)
	_, err = f.proxy.Receive(context.Background(), store.Transaction{
		URI:   apps.SessionURI(app.PublicHex, sessionPub),
		Value: m,
	})
	require.NoError(t, err)
}

func signupPassword(t *testing.T, f *walletFixture, username, password string) *wallet.AuthResult {
	t.Helper()
	res, err := f.svc.Signup(context.Background(), "", wallet.SignupRequest{
		Type: "password", Username: username, Password: password,
	})
	require.NoError(t, err)
	return res
}

func TestSignupThenLogin(t *testing.T) {
	f := newWallet(t)
	app := newAppKey(t)
	ctx := context.Background()

	signed := signupPassword(t, f, "alice", "s3cret!!")
	assert.Equal(t, "alice", signed.Username)
	assert.NotEmpty(t, signed.Token)
	assert.Len(t, signed.AccountPublicKey, envelope.PublicKeyHexLen)

	approveSession(t, f, app, "session-1")

	// The issued-at claim must differ between the two tokens.
	f.clock.Advance(2 * time.Second)

	logged, err := f.svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "alice", Password: "s3cret!!", SessionPubkey: "session-1",
	})
	require.NoError(t, err)
	assert.Equal(t, signed.Username, logged.Username)
	assert.Equal(t, signed.AccountPublicKey, logged.AccountPublicKey)
	assert.NotEqual(t, signed.Token, logged.Token)

	_, err = f.svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "alice", Password: "wrong-pass", SessionPubkey: "session-1",
	})
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))
}

func TestSignupRejectsDuplicate(t *testing.T) {
	f := newWallet(t)
	signupPassword(t, f, "alice", "s3cret!!")

	_, err := f.svc.Signup(context.Background(), "", wallet.SignupRequest{
		Type: "password", Username: "alice", Password: "another-pass",
	})
	assert.Equal(t, api.CodeAlreadyExists, api.CodeOf(err))
}

func TestSignupValidation(t *testing.T) {
	f := newWallet(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  wallet.SignupRequest
	}{
		{"unknown type", wallet.SignupRequest{Type: "saml", Username: "a", Password: "longenough"}},
		{"short password", wallet.SignupRequest{Type: "password", Username: "bob", Password: "short"}},
		{"empty username", wallet.SignupRequest{Type: "password", Username: "   ", Password: "longenough"}},
		{"slash in username", wallet.SignupRequest{Type: "password", Username: "a/b", Password: "longenough"}},
		{"space in username", wallet.SignupRequest{Type: "password", Username: "a b", Password: "longenough"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Signup(ctx, "", tc.req)
			assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
		})
	}
}

func TestUsernamesAreFoldedBeforeStorage(t *testing.T) {
	f := newWallet(t)
	app := newAppKey(t)
	ctx := context.Background()

	res := signupPassword(t, f, "  Alice ", "s3cret!!")
	assert.Equal(t, "alice", res.Username)

	approveSession(t, f, app, "s1")
	logged, err := f.svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "ALICE", Password: "s3cret!!", SessionPubkey: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", logged.Username)

	// The profile record lives under the folded name.
	rec, err := f.credential.Read(ctx,
		"mutable://accounts/"+f.identity.SigningPublicHex+"/users/alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestLoginRequiresApprovedSession(t *testing.T) {
	f := newWallet(t)
	app := newAppKey(t)
	ctx := context.Background()
	signupPassword(t, f, "alice", "s3cret!!")

	_, err := f.svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "alice", Password: "s3cret!!", SessionPubkey: "never-approved",
	})
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))
	assert.Contains(t, err.Error(), "session")

	_, err = f.svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "alice", Password: "s3cret!!",
	})
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))
}

func TestLoginAcceptsBareApprovalMarker(t *testing.T) {
	// Stores populated by other tooling hold the plain marker 1 instead
	// of an app-signed message. A permissive program set lets the test
	// write one.
	identity := newTestIdentity(t)
	credential := node.New(store.NewMemory(), program.New(program.Builtins()))
	open := program.New(map[string]program.Validator{
		"mutable://accounts": func(context.Context, program.Context) error { return nil },
	})
	proxy := node.New(store.NewMemory(), open)
	clock := newFakeClock()
	svc, err := wallet.NewService(identity, credential, proxy, testSecret, wallet.WithClock(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	app := newAppKey(t)
	_, err = svc.Signup(ctx, "", wallet.SignupRequest{Type: "password", Username: "alice", Password: "s3cret!!"})
	require.NoError(t, err)

	_, err = proxy.Receive(ctx, store.Transaction{
		URI:   apps.SessionURI(app.PublicHex, "s1"),
		Value: 1,
	})
	require.NoError(t, err)

	_, err = svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "alice", Password: "s3cret!!", SessionPubkey: "s1",
	})
	assert.NoError(t, err)

	// Any other stored value is not an approval.
	_, err = proxy.Receive(ctx, store.Transaction{
		URI:   apps.SessionURI(app.PublicHex, "s2"),
		Value: "approved",
	})
	require.NoError(t, err)
	_, err = svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "alice", Password: "s3cret!!", SessionPubkey: "s2",
	})
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))
}

func TestChangePassword(t *testing.T) {
	f := newWallet(t)
	app := newAppKey(t)
	ctx := context.Background()
	signupPassword(t, f, "alice", "old-pass-1")
	approveSession(t, f, app, "s1")

	err := f.svc.ChangePassword(ctx, "alice", wallet.ChangePasswordRequest{
		OldPassword: "wrong", NewPassword: "new-pass-22",
	})
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))

	err = f.svc.ChangePassword(ctx, "alice", wallet.ChangePasswordRequest{
		OldPassword: "old-pass-1", NewPassword: "new-pass-22",
	})
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "alice", Password: "old-pass-1", SessionPubkey: "s1",
	})
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))

	_, err = f.svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "alice", Password: "new-pass-22", SessionPubkey: "s1",
	})
	assert.NoError(t, err)
}

func TestResetFlow(t *testing.T) {
	f := newWallet(t)
	app := newAppKey(t)
	ctx := context.Background()
	signupPassword(t, f, "alice", "first-pass")
	approveSession(t, f, app, "s1")

	_, err := f.svc.RequestReset(ctx, wallet.ResetRequest{Username: "nobody"})
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))

	issued, err := f.svc.RequestReset(ctx, wallet.ResetRequest{Username: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)
	assert.Greater(t, issued.ExpiresAt, f.clock.Now().UnixMilli())

	res, err := f.svc.ResetPassword(ctx, wallet.ResetPasswordRequest{
		Token: issued.Token, NewPassword: "second-pass",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Username)

	_, err = f.svc.Login(ctx, app.PublicHex, wallet.LoginRequest{
		Username: "alice", Password: "second-pass", SessionPubkey: "s1",
	})
	assert.NoError(t, err)

	// A token is spent on first use.
	_, err = f.svc.ResetPassword(ctx, wallet.ResetPasswordRequest{
		Token: issued.Token, NewPassword: "third-pass",
	})
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))
}

func TestResetTokenExpires(t *testing.T) {
	f := newWallet(t, wallet.WithResetTTL(10*time.Minute))
	ctx := context.Background()
	signupPassword(t, f, "alice", "first-pass")

	issued, err := f.svc.RequestReset(ctx, wallet.ResetRequest{Username: "alice"})
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)

	_, err = f.svc.ResetPassword(ctx, wallet.ResetPasswordRequest{
		Token: issued.Token, NewPassword: "second-pass",
	})
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestAccessTokenExpiry(t *testing.T) {
	f := newWallet(t, wallet.WithTokenTTL(time.Hour))
	res := signupPassword(t, f, "alice", "s3cret!!")

	username, err := f.svc.Authenticate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	f.clock.Advance(2 * time.Hour)

	_, err = f.svc.Authenticate(res.Token)
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))

	_, err = f.svc.Authenticate("not-a-jwt")
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))
}

func TestProxyWriteSignsWithAccountKey(t *testing.T) {
	f := newWallet(t)
	ctx := context.Background()
	res := signupPassword(t, f, "alice", "s3cret!!")

	out, err := f.svc.ProxyWrite(ctx, "alice", wallet.ProxyWriteRequest{
		URI:   "mutable://accounts/:key/notes/hello",
		Value: map[string]any{"body": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mutable://accounts/"+res.AccountPublicKey+"/notes/hello", out.URI)
	require.NotNil(t, out.Record)

	stored, err := f.proxy.Read(ctx, out.URI)
	require.NoError(t, err)
	m, ok := envelope.AuthenticatedFromValue(stored.Data)
	require.True(t, ok)
	assert.Contains(t, m.VerifySigners(), res.AccountPublicKey)
}

func TestProxyWriteEncrypted(t *testing.T) {
	f := newWallet(t)
	ctx := context.Background()
	res := signupPassword(t, f, "alice", "s3cret!!")

	out, err := f.svc.ProxyWrite(ctx, "alice", wallet.ProxyWriteRequest{
		URI:     "mutable://accounts/:key/notes/secret",
		Value:   "for my eyes only",
		Encrypt: true,
	})
	require.NoError(t, err)

	stored, err := f.proxy.Read(ctx, out.URI)
	require.NoError(t, err)
	sealed, ok := envelope.SignedEncryptedFromValue(stored.Data)
	require.True(t, ok, "stored value should be a sealed message")
	assert.Contains(t, sealed.VerifySigners(), res.AccountPublicKey)
}

func TestProxyWriteUnknownUser(t *testing.T) {
	f := newWallet(t)
	_, err := f.svc.ProxyWrite(context.Background(), "ghost", wallet.ProxyWriteRequest{
		URI: "mutable://accounts/:key/x", Value: 1,
	})
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))
}

// fakeGoogle verifies any token of the form "ok:<subject>" and records
// the audience it was asked to check.
type fakeGoogle struct {
	mu        sync.Mutex
	audiences []string
}

func (g *fakeGoogle) Verify(_ context.Context, idToken, audience string) (string, error) {
	g.mu.Lock()
	g.audiences = append(g.audiences, audience)
	g.mu.Unlock()
	subject, ok := strings.CutPrefix(idToken, "ok:")
	if !ok {
		return "", api.E(api.CodeUnauthorized, "google rejected the id token")
	}
	return subject, nil
}

func TestGoogleSignup(t *testing.T) {
	google := &fakeGoogle{}
	f := newWallet(t, wallet.WithGoogleVerifier(google))
	ctx := context.Background()
	app := newAppKey(t)

	// Tenant config carries the google client id; the wallet reads it
	// from the credential backend.
	appSvc, err := apps.NewService(f.identity, f.credential)
	require.NoError(t, err)
	cfg, err := envelope.NewAuthenticatedMessage(
		map[string]any{"googleClientId": "client-123"}, []envelope.Signer{app.Signer()})
	require.NoError(t, err)
	_, err = appSvc.PutConfig(ctx, app.PublicHex, cfg)
	require.NoError(t, err)

	first, err := f.svc.Signup(ctx, app.PublicHex, wallet.SignupRequest{
		Type: "google", IDToken: "ok:subject-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "google-subject-9", first.Username)
	assert.NotEmpty(t, first.AccountPublicKey)
	assert.Equal(t, []string{"client-123"}, google.audiences)

	// Re-signup with the same subject reuses the account.
	again, err := f.svc.Signup(ctx, app.PublicHex, wallet.SignupRequest{
		Type: "google", IDToken: "ok:subject-9",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Username, again.Username)
	assert.Equal(t, first.AccountPublicKey, again.AccountPublicKey)

	_, err = f.svc.Signup(ctx, app.PublicHex, wallet.SignupRequest{
		Type: "google", IDToken: "bad-token",
	})
	assert.Equal(t, api.CodeUnauthorized, api.CodeOf(err))
}

func TestGoogleSignupWithoutTenantConfig(t *testing.T) {
	f := newWallet(t, wallet.WithGoogleVerifier(&fakeGoogle{}))
	app := newAppKey(t)

	_, err := f.svc.Signup(context.Background(), app.PublicHex, wallet.SignupRequest{
		Type: "google", IDToken: "ok:subject-1",
	})
	assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
	assert.Contains(t, err.Error(), "google client")
}

func TestGoogleSignupUnconfigured(t *testing.T) {
	f := newWallet(t)
	_, err := f.svc.Signup(context.Background(), "any", wallet.SignupRequest{
		Type: "google", IDToken: "ok:x",
	})
	assert.Equal(t, api.CodeConfigError, api.CodeOf(err))
}

func TestHealthAggregatesBackends(t *testing.T) {
	f := newWallet(t)
	h := f.svc.Health(context.Background())
	assert.Equal(t, store.HealthOK, h.Status)
	assert.Equal(t, store.HealthOK, h.Details["credential"])
	assert.Equal(t, store.HealthOK, h.Details["proxy"])
}
