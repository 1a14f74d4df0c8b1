package apps_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/apps"
	"github.com/alcovelabs/alcove/pkg/canonical"
	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/node"
	"github.com/alcovelabs/alcove/pkg/program"
	"github.com/alcovelabs/alcove/pkg/store"
)

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

func newTestService(t *testing.T) (*apps.Service, store.Backend, *envelope.ServerIdentity) {
	t.Helper()
	identity := newTestIdentity(t)
	backend := node.New(store.NewMemory(), program.New(program.Builtins()))
	svc, err := apps.NewService(identity, backend)
	require.NoError(t, err)
	return svc, backend, identity
}

// signedBy wraps value in an AuthenticatedMessage signed with the given
// keypairs.
func signedBy(t *testing.T, value any, kps ...envelope.SigningKeypair) *envelope.AuthenticatedMessage {
	t.Helper()
	signers := make([]envelope.Signer, 0, len(kps))
	for _, kp := range kps {
		signers = append(signers, kp.Signer())
	}
	m, err := envelope.NewAuthenticatedMessage(value, signers)
	require.NoError(t, err)
	return m
}

func newAppKey(t *testing.T) envelope.SigningKeypair {
	t.Helper()
	kp, err := envelope.GenerateSigningKeypair()
	require.NoError(t, err)
	return kp
}

func putConfig(t *testing.T, svc *apps.Service, app envelope.SigningKeypair, cfg map[string]any) {
	t.Helper()
	_, err := svc.PutConfig(context.Background(), app.PublicHex, signedBy(t, cfg, app))
	require.NoError(t, err)
}

func TestPutConfigRequiresAppSignature(t *testing.T) {
	svc, _, _ := newTestService(t)
	app := newAppKey(t)
	other := newAppKey(t)
	ctx := context.Background()

	_, err := svc.PutConfig(ctx, app.PublicHex, map[string]any{"googleClientId": "x"})
	assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))

	_, err = svc.PutConfig(ctx, app.PublicHex, signedBy(t, map[string]any{}, other))
	assert.Equal(t, api.CodeSignatureInvalid, api.CodeOf(err))

	_, err = svc.PutConfig(ctx, app.PublicHex, signedBy(t, map[string]any{}, app, other))
	assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
}

func TestConfigRoundTripAndSealing(t *testing.T) {
	svc, backend, identity := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	putConfig(t, svc, app, map[string]any{
		"googleClientId": "client-123.apps.googleusercontent.com",
		"allowedOrigins": []string{"https://app.example.com"},
		"actions": map[string]any{
			"subscribe": map[string]any{
				"write": map[string]any{"plain": "mutable://inbox/:key/subs/:signature"},
			},
		},
	})

	view, err := svc.PublicConfig(ctx, app.PublicHex)
	require.NoError(t, err)
	assert.Equal(t, "client-123.apps.googleusercontent.com", view["googleClientId"])
	assert.Equal(t, []string{"subscribe"}, view["actions"])

	// On disk the config is a sealed message, not plaintext.
	rec, err := backend.Read(ctx, apps.ConfigURI(identity.SigningPublicHex, app.PublicHex))
	require.NoError(t, err)
	_, ok := envelope.SignedEncryptedFromValue(rec.Data)
	assert.True(t, ok)
}

func TestConfigMergeKeepsExistingFields(t *testing.T) {
	svc, _, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	putConfig(t, svc, app, map[string]any{"googleClientId": "first"})
	putConfig(t, svc, app, map[string]any{
		"actions": map[string]any{
			"send": map[string]any{
				"write": map[string]any{"plain": "mutable://inbox/:key/out"},
			},
		},
	})

	cfg, err := svc.LoadConfig(ctx, app.PublicHex)
	require.NoError(t, err)
	assert.Equal(t, "first", cfg.GoogleClientID)
	assert.Contains(t, cfg.Actions, "send")
}

func TestConfigRejectsBrokenRules(t *testing.T) {
	svc, _, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  map[string]any
	}{
		{"expr does not compile", map[string]any{
			"actions": map[string]any{
				"a": map[string]any{
					"write":      map[string]any{"plain": "mutable://open/x"},
					"validation": map[string]any{"expr": "value =="},
				},
			},
		}},
		{"encrypted without tenant key", map[string]any{
			"actions": map[string]any{
				"a": map[string]any{
					"write": map[string]any{"encrypted": "mutable://open/x"},
				},
			},
		}},
		{"unknown string format", map[string]any{
			"actions": map[string]any{
				"a": map[string]any{
					"write":      map[string]any{"plain": "mutable://open/x"},
					"validation": map[string]any{"stringValue": map[string]any{"format": "phone"}},
				},
			},
		}},
		{"both templates set", map[string]any{
			"actions": map[string]any{
				"a": map[string]any{
					"write": map[string]any{"plain": "mutable://open/x", "encrypted": "mutable://open/y"},
				},
			},
		}},
		{"template not a uri", map[string]any{
			"actions": map[string]any{
				"a": map[string]any{
					"write": map[string]any{"plain": "not-a-uri"},
				},
			},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PutConfig(ctx, app.PublicHex, signedBy(t, tc.cfg, app))
			assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
		})
	}
}

func TestInvokeSubstitutesAndForwards(t *testing.T) {
	svc, backend, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	putConfig(t, svc, app, map[string]any{
		"allowedOrigins": []string{"*"},
		"actions": map[string]any{
			"subscribe": map[string]any{
				"write":      map[string]any{"plain": "mutable://inbox/:key/subs/:signature"},
				"validation": map[string]any{"stringValue": map[string]any{"format": "email"}},
			},
		},
	})

	body := signedBy(t, "reader@example.com", app)
	inv, err := svc.Invoke(ctx, app.PublicHex, "subscribe", "https://anywhere.example", body)
	require.NoError(t, err)

	digest, err := canonical.DigestHex32("reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, "mutable://inbox/"+app.PublicHex+"/subs/"+digest, inv.URI)
	require.NotNil(t, inv.Record)

	// The signed body itself is what lands in the store.
	rec, err := backend.Read(ctx, inv.URI)
	require.NoError(t, err)
	stored, ok := envelope.AuthenticatedFromValue(rec.Data)
	require.True(t, ok)
	assert.Equal(t, "reader@example.com", stored.Payload)
	assert.Contains(t, stored.VerifySigners(), app.PublicHex)
}

func TestInvokeEnforcesTenantOrigin(t *testing.T) {
	svc, _, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	putConfig(t, svc, app, map[string]any{
		"allowedOrigins": []string{"https://app.example.com"},
		"actions": map[string]any{
			"send": map[string]any{"write": map[string]any{"plain": "mutable://inbox/:key/out"}},
		},
	})

	body := signedBy(t, "hello", app)

	_, err := svc.Invoke(ctx, app.PublicHex, "send", "https://evil.example.com", body)
	assert.Equal(t, api.CodeOriginNotAllowed, api.CodeOf(err))

	_, err = svc.Invoke(ctx, app.PublicHex, "send", "https://app.example.com", body)
	assert.NoError(t, err)
}

func TestInvokeUnknownActionAndApp(t *testing.T) {
	svc, _, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	body := signedBy(t, "x", app)
	_, err := svc.Invoke(ctx, app.PublicHex, "nope", "", body)
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))

	putConfig(t, svc, app, map[string]any{
		"allowedOrigins": []string{"*"},
		"actions": map[string]any{
			"send": map[string]any{"write": map[string]any{"plain": "mutable://inbox/:key/out"}},
		},
	})
	_, err = svc.Invoke(ctx, app.PublicHex, "missing", "https://x.example", body)
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))
}

func TestInvokeEmailValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	putConfig(t, svc, app, map[string]any{
		"allowedOrigins": []string{"*"},
		"actions": map[string]any{
			"subscribe": map[string]any{
				"write":      map[string]any{"plain": "mutable://inbox/:key/subs/:signature"},
				"validation": map[string]any{"stringValue": map[string]any{"format": "email"}},
			},
		},
	})

	_, err := svc.Invoke(ctx, app.PublicHex, "subscribe", "https://x.example", signedBy(t, "not-an-email", app))
	require.Error(t, err)
	assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
	assert.Contains(t, err.Error(), "email")

	_, err = svc.Invoke(ctx, app.PublicHex, "subscribe", "https://x.example", signedBy(t, 42, app))
	assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
}

func TestInvokeExpressionValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	putConfig(t, svc, app, map[string]any{
		"allowedOrigins": []string{"*"},
		"actions": map[string]any{
			"post": map[string]any{
				"write":      map[string]any{"plain": "mutable://inbox/:key/posts/:signature"},
				"validation": map[string]any{"expr": `value.startsWith("msg:")`},
			},
		},
	})

	_, err := svc.Invoke(ctx, app.PublicHex, "post", "https://x.example", signedBy(t, "msg:hello", app))
	assert.NoError(t, err)

	_, err = svc.Invoke(ctx, app.PublicHex, "post", "https://x.example", signedBy(t, "hello", app))
	require.Error(t, err)
	assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
}

func TestInvokeEncryptedSkipsStringValidation(t *testing.T) {
	svc, backend, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	tenantEnc, err := envelope.GenerateEncryptionKeypair()
	require.NoError(t, err)

	putConfig(t, svc, app, map[string]any{
		"allowedOrigins":         []string{"*"},
		"encryptionPublicKeyHex": tenantEnc.PublicHex,
		"actions": map[string]any{
			"drop": map[string]any{
				"write":      map[string]any{"encrypted": "mutable://inbox/:key/drops/:signature"},
				"validation": map[string]any{"stringValue": map[string]any{"format": "email"}},
			},
		},
	})

	sealed, err := envelope.Encrypt("secret note", tenantEnc.PublicHex)
	require.NoError(t, err)

	inv, err := svc.Invoke(ctx, app.PublicHex, "drop", "https://x.example", signedBy(t, sealed, app))
	require.NoError(t, err)

	rec, err := backend.Read(ctx, inv.URI)
	require.NoError(t, err)
	stored, ok := envelope.AuthenticatedFromValue(rec.Data)
	require.True(t, ok)
	payload, ok := stored.Payload.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, payload["data"])
	assert.NotContains(t, payload, "secret note")
}

func TestRegisterSession(t *testing.T) {
	svc, backend, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	putConfig(t, svc, app, map[string]any{"allowedOrigins": []string{"*"}})

	session := newAppKey(t)
	body := signedBy(t, map[string]any{"sessionPubkey": session.PublicHex}, app)

	inv, err := svc.RegisterSession(ctx, app.PublicHex, "https://x.example", body)
	require.NoError(t, err)
	assert.Equal(t, apps.SessionURI(app.PublicHex, session.PublicHex), inv.URI)

	rec, err := backend.Read(ctx, inv.URI)
	require.NoError(t, err)
	stored, ok := envelope.AuthenticatedFromValue(rec.Data)
	require.True(t, ok)
	assert.Contains(t, stored.VerifySigners(), app.PublicHex)
}

func TestRegisterSessionRejectsBadKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	app := newAppKey(t)
	ctx := context.Background()

	putConfig(t, svc, app, map[string]any{"allowedOrigins": []string{"*"}})

	body := signedBy(t, map[string]any{"sessionPubkey": "tooshort"}, app)
	_, err := svc.RegisterSession(ctx, app.PublicHex, "https://x.example", body)
	assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
}
