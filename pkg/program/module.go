package program

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/binjson"
	"github.com/alcovelabs/alcove/pkg/uri"
)

// moduleVersions is the range of schema-module file versions this build
// understands.
var moduleVersions = func() *semver.Constraints {
	c, err := semver.NewConstraint("^1")
	if err != nil {
		panic(err)
	}
	return c
}()

// Module is a declarative schema extension file. Each entry registers a
// new program key on top of a builtin base validator, optionally
// constrained by a JSON Schema over the stored payload.
type Module struct {
	Version  string          `yaml:"version" json:"version"`
	Programs []ModuleProgram `yaml:"programs" json:"programs"`
}

// ModuleProgram is one program declaration inside a Module.
type ModuleProgram struct {
	Key    string         `yaml:"key" json:"key"`
	Base   string         `yaml:"base" json:"base"`
	Schema map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// LoadModuleFile reads a YAML or JSON schema module and merges it over the
// builtin programs, returning the combined registry. Any failure is fatal
// for boot.
func LoadModuleFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, api.Errorf(api.CodeConfigError, "schema module: %v", err)
	}
	var m Module
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, api.Errorf(api.CodeConfigError, "schema module %s: %v", path, err)
	}
	return BuildRegistry(&m)
}

// BuildRegistry validates a schema module and merges it over Builtins().
// A nil module yields the builtin registry.
func BuildRegistry(m *Module) (*Registry, error) {
	programs := Builtins()
	if m == nil {
		return New(programs), nil
	}

	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, api.Errorf(api.CodeConfigError, "schema module version %q: %v", m.Version, err)
	}
	if !moduleVersions.Check(v) {
		return nil, api.Errorf(api.CodeConfigError, "schema module version %s outside supported range %s", m.Version, moduleVersions)
	}

	for i, p := range m.Programs {
		if err := validateProgramKey(p.Key); err != nil {
			return nil, api.Errorf(api.CodeConfigError, "schema module program %d: %v", i, err)
		}
		base, ok := programs[p.Base]
		if !ok {
			return nil, api.Errorf(api.CodeConfigError, "schema module program %q: unknown base %q", p.Key, p.Base)
		}

		validator := base
		if p.Schema != nil {
			compiled, err := compilePayloadSchema(p.Key, p.Schema)
			if err != nil {
				return nil, err
			}
			validator = allOf(base, payloadSchema(compiled))
		}
		programs[p.Key] = validator
	}
	return New(programs), nil
}

// validateProgramKey checks protocol://domain syntax with no path.
func validateProgramKey(key string) error {
	u, err := uri.Parse(key)
	if err != nil {
		return err
	}
	if len(u.Path) != 0 {
		return fmt.Errorf("program key %q must not carry a path", key)
	}
	return nil
}

func compilePayloadSchema(key string, schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := json.Marshal(schema)
	if err != nil {
		return nil, api.Errorf(api.CodeConfigError, "schema module program %q: schema not encodable: %v", key, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://alcove.schemas.local/%s.schema.json", strings.ReplaceAll(key, "://", "/"))
	if err := c.AddResource(url, strings.NewReader(string(doc))); err != nil {
		return nil, api.Errorf(api.CodeConfigError, "schema module program %q: %v", key, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, api.Errorf(api.CodeConfigError, "schema module program %q: %v", key, err)
	}
	return compiled, nil
}

// payloadSchema validates the JSON-encoded form of the value against a
// compiled schema.
func payloadSchema(schema *jsonschema.Schema) Validator {
	return func(_ context.Context, vc Context) error {
		if err := schema.Validate(normalizeForSchema(vc.Value)); err != nil {
			return api.Errorf(api.CodeValidationFailed, "payload schema: %v", err)
		}
		return nil
	}
}

// normalizeForSchema converts byte payloads to their tagged wire form and
// re-decodes through encoding/json so the validator sees the exact JSON
// value shape.
func normalizeForSchema(v any) any {
	raw, err := json.Marshal(binjson.Encode(v))
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
