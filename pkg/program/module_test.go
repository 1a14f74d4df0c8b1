package program_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/program"
)

func TestBuildRegistry_NilModule(t *testing.T) {
	reg, err := program.BuildRegistry(nil)
	require.NoError(t, err)
	_, ok := reg.Lookup("mutable://open")
	assert.True(t, ok)
}

func TestBuildRegistry_AddsPrograms(t *testing.T) {
	reg, err := program.BuildRegistry(&program.Module{
		Version: "1.2.0",
		Programs: []program.ModuleProgram{
			{Key: "mutable://notes", Base: "mutable://open"},
		},
	})
	require.NoError(t, err)

	v, ok := reg.Lookup("mutable://notes")
	require.True(t, ok)
	assert.NoError(t, v(context.Background(), vctx("mutable://notes/n1", "text", readNotFound)))
}

func TestBuildRegistry_VersionGate(t *testing.T) {
	for _, version := range []string{"2.0.0", "0.9.0", "garbage"} {
		_, err := program.BuildRegistry(&program.Module{Version: version})
		require.Error(t, err, version)
		assert.Equal(t, api.CodeConfigError, api.CodeOf(err))
	}
}

func TestBuildRegistry_UnknownBase(t *testing.T) {
	_, err := program.BuildRegistry(&program.Module{
		Version:  "1.0.0",
		Programs: []program.ModuleProgram{{Key: "mutable://notes", Base: "mutable://missing"}},
	})
	require.Error(t, err)
}

func TestBuildRegistry_BadProgramKey(t *testing.T) {
	for _, key := range []string{"notes", "mutable://notes/sub", "UPPER://notes"} {
		_, err := program.BuildRegistry(&program.Module{
			Version:  "1.0.0",
			Programs: []program.ModuleProgram{{Key: key, Base: "mutable://open"}},
		})
		require.Error(t, err, key)
	}
}

func TestBuildRegistry_PayloadSchema(t *testing.T) {
	reg, err := program.BuildRegistry(&program.Module{
		Version: "1.0.0",
		Programs: []program.ModuleProgram{{
			Key:  "mutable://profiles",
			Base: "mutable://open",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"name"},
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
				},
			},
		}},
	})
	require.NoError(t, err)

	v, ok := reg.Lookup("mutable://profiles")
	require.True(t, ok)

	ok1 := v(context.Background(), vctx("mutable://profiles/a", map[string]any{"name": "alice"}, readNotFound))
	assert.NoError(t, ok1)

	bad := v(context.Background(), vctx("mutable://profiles/a", map[string]any{"age": 3.0}, readNotFound))
	require.Error(t, bad)
	assert.Equal(t, api.CodeValidationFailed, api.CodeOf(bad))
}

func TestLoadModuleFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	doc := `
version: "1.0.0"
programs:
  - key: mutable://notes
    base: mutable://open
    schema:
      type: string
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	reg, err := program.LoadModuleFile(path)
	require.NoError(t, err)

	v, ok := reg.Lookup("mutable://notes")
	require.True(t, ok)
	assert.NoError(t, v(context.Background(), vctx("mutable://notes/n", "text", readNotFound)))
	require.Error(t, v(context.Background(), vctx("mutable://notes/n", 1.0, readNotFound)))
}

func TestLoadModuleFile_Missing(t *testing.T) {
	_, err := program.LoadModuleFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, api.CodeConfigError, api.CodeOf(err))
}
