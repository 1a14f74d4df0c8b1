package program_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/program"
	"github.com/alcovelabs/alcove/pkg/store"
	"github.com/alcovelabs/alcove/pkg/uri"
)

func readNotFound(context.Context, string) (*store.Record, error) {
	return nil, store.ErrNotFound
}

func readFound(context.Context, string) (*store.Record, error) {
	return &store.Record{TS: 1, Data: "x"}, nil
}

func vctx(u string, value any, read program.ReadFunc) program.Context {
	return program.Context{URI: uri.MustParse(u), Value: value, Read: read}
}

func lookup(t *testing.T, key string) program.Validator {
	t.Helper()
	reg := program.New(program.Builtins())
	v, ok := reg.Lookup(key)
	require.True(t, ok, "builtin %s missing", key)
	return v
}

func TestRegistry_Keys(t *testing.T) {
	reg := program.New(program.Builtins())
	keys := reg.Keys()

	assert.Contains(t, keys, "mutable://open")
	assert.Contains(t, keys, "blob://open")
	assert.IsIncreasing(t, keys)

	_, ok := reg.Lookup("mutable://nope")
	assert.False(t, ok)
}

func TestRegistry_CopiesInput(t *testing.T) {
	programs := program.Builtins()
	reg := program.New(programs)
	delete(programs, "mutable://open")

	_, ok := reg.Lookup("mutable://open")
	assert.True(t, ok)
}

func TestMutableOpen_AlwaysValid(t *testing.T) {
	v := lookup(t, "mutable://open")
	assert.NoError(t, v(context.Background(), vctx("mutable://open/hello", "world", readNotFound)))
	assert.NoError(t, v(context.Background(), vctx("mutable://open/hello", map[string]any{"k": 1.0}, readNotFound)))
}

func TestMutableAccounts_SignedBySegmentOwner(t *testing.T) {
	kp, err := envelope.GenerateSigningKeypair()
	require.NoError(t, err)

	m, err := envelope.NewAuthenticatedMessage(map[string]any{"v": 1}, []envelope.Signer{kp.Signer()})
	require.NoError(t, err)

	v := lookup(t, "mutable://accounts")
	u := "mutable://accounts/" + kp.PublicHex + "/profile"
	assert.NoError(t, v(context.Background(), vctx(u, m, readNotFound)))
}

func TestMutableAccounts_Rejections(t *testing.T) {
	kp, err := envelope.GenerateSigningKeypair()
	require.NoError(t, err)
	other, err := envelope.GenerateSigningKeypair()
	require.NoError(t, err)

	v := lookup(t, "mutable://accounts")
	ctx := context.Background()

	t.Run("not a message", func(t *testing.T) {
		err := v(ctx, vctx("mutable://accounts/"+kp.PublicHex+"/p", "plain", readNotFound))
		require.Error(t, err)
		assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
	})

	t.Run("tampered signature", func(t *testing.T) {
		m, err := envelope.NewAuthenticatedMessage("v", []envelope.Signer{kp.Signer()})
		require.NoError(t, err)
		sig := []byte(m.Auth[0].Signature)
		if sig[0] == 'a' {
			sig[0] = 'b'
		} else {
			sig[0] = 'a'
		}
		m.Auth[0].Signature = string(sig)

		verr := v(ctx, vctx("mutable://accounts/"+kp.PublicHex+"/p", m, readNotFound))
		require.Error(t, verr)
		assert.Equal(t, api.CodeSignatureInvalid, api.CodeOf(verr))
	})

	t.Run("signer does not own segment", func(t *testing.T) {
		m, err := envelope.NewAuthenticatedMessage("v", []envelope.Signer{other.Signer()})
		require.NoError(t, err)
		verr := v(ctx, vctx("mutable://accounts/"+kp.PublicHex+"/p", m, readNotFound))
		require.Error(t, verr)
		assert.Equal(t, api.CodeSignatureInvalid, api.CodeOf(verr))
	})

	t.Run("missing account segment", func(t *testing.T) {
		m, err := envelope.NewAuthenticatedMessage("v", []envelope.Signer{kp.Signer()})
		require.NoError(t, err)
		verr := v(ctx, vctx("mutable://accounts", m, readNotFound))
		require.Error(t, verr)
	})
}

func TestImmutableOpen(t *testing.T) {
	v := lookup(t, "immutable://open")
	ctx := context.Background()

	assert.NoError(t, v(ctx, vctx("immutable://open/k", 1.0, readNotFound)))

	err := v(ctx, vctx("immutable://open/k", 2.0, readFound))
	require.Error(t, err)
	assert.Equal(t, api.CodeAlreadyExists, api.CodeOf(err))
}

func TestImmutableOpen_ReadErrorPropagates(t *testing.T) {
	v := lookup(t, "immutable://open")
	boom := errors.New("backend down")
	readErr := func(context.Context, string) (*store.Record, error) { return nil, boom }

	err := v(context.Background(), vctx("immutable://open/k", 1.0, readErr))
	require.ErrorIs(t, err, boom)
}

func TestImmutableAccounts_CombinesChecks(t *testing.T) {
	kp, err := envelope.GenerateSigningKeypair()
	require.NoError(t, err)
	m, err := envelope.NewAuthenticatedMessage("v", []envelope.Signer{kp.Signer()})
	require.NoError(t, err)

	v := lookup(t, "immutable://accounts")
	u := "immutable://accounts/" + kp.PublicHex + "/doc"

	assert.NoError(t, v(context.Background(), vctx(u, m, readNotFound)))

	err = v(context.Background(), vctx(u, m, readFound))
	require.Error(t, err)
	assert.Equal(t, api.CodeAlreadyExists, api.CodeOf(err))
}

func TestBlobOpen_RawBytes(t *testing.T) {
	v := lookup(t, "blob://open")
	content := []byte("hi")
	sum := sha256.Sum256(content)
	h := hex.EncodeToString(sum[:])

	assert.NoError(t, v(context.Background(), vctx("blob://open/sha256:"+h, content, readNotFound)))

	wrong := "blob://open/sha256:" + hex.EncodeToString(make([]byte, 32))
	err := v(context.Background(), vctx(wrong, content, readNotFound))
	require.Error(t, err)
	assert.Equal(t, api.CodeValidationFailed, api.CodeOf(err))
}

func TestBlobOpen_TaggedWireForm(t *testing.T) {
	v := lookup(t, "blob://open")
	content := []byte("hi")
	sum := sha256.Sum256(content)
	h := hex.EncodeToString(sum[:])

	tagged := map[string]any{"__bin": "aGk="}
	assert.NoError(t, v(context.Background(), vctx("blob://open/sha256:"+h, tagged, readNotFound)))
}

func TestBlobOpen_PathErrors(t *testing.T) {
	v := lookup(t, "blob://open")
	ctx := context.Background()

	for _, u := range []string{
		"blob://open/md5:abcd",
		"blob://open/nodigest",
		"blob://open/sha256:h/extra",
	} {
		err := v(ctx, vctx(u, []byte("x"), readNotFound))
		require.Error(t, err, u)
	}
}

func TestLinkOpen(t *testing.T) {
	v := lookup(t, "link://open")
	ctx := context.Background()

	assert.NoError(t, v(ctx, vctx("link://open/alias", "mutable://open/target", readNotFound)))

	require.Error(t, v(ctx, vctx("link://open/alias", "not a uri", readNotFound)))
	require.Error(t, v(ctx, vctx("link://open/alias", 42.0, readNotFound)))
}

func TestLinkAccounts(t *testing.T) {
	kp, err := envelope.GenerateSigningKeypair()
	require.NoError(t, err)

	v := lookup(t, "link://accounts")
	u := "link://accounts/" + kp.PublicHex + "/alias"

	good, err := envelope.NewAuthenticatedMessage("mutable://open/target", []envelope.Signer{kp.Signer()})
	require.NoError(t, err)
	assert.NoError(t, v(context.Background(), vctx(u, good, readNotFound)))

	bad, err := envelope.NewAuthenticatedMessage("!! not a uri", []envelope.Signer{kp.Signer()})
	require.NoError(t, err)
	require.Error(t, v(context.Background(), vctx(u, bad, readNotFound)))
}
