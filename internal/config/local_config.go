package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LocalOverrides is the subset of config.yaml fields worth reading directly
// from the file rather than through a viper.Viper instance — useful for a
// CLI subcommand that needs to inspect the project's configured state-store
// backend before deciding whether to open one at all (e.g. a "doctor"-style
// diagnostic). corectl's "info" command does not use it; it reads the
// bootstrap sidecar and Load instead.
type LocalOverrides struct {
	StateBackend string `yaml:"state_backend"`
	StatePath    string `yaml:"state_path"`
	LogLevel     string `yaml:"log_level"`
}

// LoadLocalOverrides reads config.yaml directly from dir (".taskcore" by
// convention). Returns an empty LocalOverrides, never nil, if the file is
// missing or malformed — callers treat every field as optional.
func LoadLocalOverrides(dir string) *LocalOverrides {
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml")) //nolint:gosec // dir is caller-controlled
	if err != nil {
		return &LocalOverrides{}
	}
	var o LocalOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return &LocalOverrides{}
	}
	return &o
}

// LoadLocalOverridesWithEnv applies TASKCORE_ environment overrides on top
// of config.yaml, environment taking precedence.
func LoadLocalOverridesWithEnv(dir string) *LocalOverrides {
	o := LoadLocalOverrides(dir)
	if v := os.Getenv("TASKCORE_STATE_BACKEND"); v != "" {
		o.StateBackend = v
	}
	if v := os.Getenv("TASKCORE_LOG_LEVEL"); v != "" {
		o.LogLevel = v
	}
	return o
}
