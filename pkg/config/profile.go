package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alcovelabs/alcove/pkg/api"
)

// Profile is a YAML file of environment defaults, selected with
// ALCOVE_PROFILE. Profiles let one image ship per-deployment settings;
// real environment variables always take precedence.
type Profile struct {
	Name string            `yaml:"name"`
	Env  map[string]string `yaml:"env"`
}

func loadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, api.Errorf(api.CodeConfigError, "profile %s: %v", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, api.Errorf(api.CodeConfigError, "profile %s is not valid yaml: %v", path, err)
	}
	return &p, nil
}
