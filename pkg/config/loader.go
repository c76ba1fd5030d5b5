package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// PolicyFileName is the policy document looked up inside the config dir.
const PolicyFileName = "kaya.yaml"

// Initialize loads, merges, and validates configuration from configDir.
//
// Steps:
//  1. Read kaya.yaml (absent file is fine — defaults apply)
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge over built-in defaults
//  5. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := builtinDefaults()

	path := filepath.Join(configDir, PolicyFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info("No policy document found, using built-in defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("reading policy document: %w", err)
	default:
		var user Config
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", PolicyFileName, err)
		}
		if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging policy over defaults: %w", err)
		}
		log.Info("Policy document loaded", "path", path)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// EventLogPath returns the full path of the NDJSON event log.
func (c *Config) EventLogPath() string {
	return filepath.Join(c.System.LogsDir, c.System.EventLogFile)
}

// Roots returns the writable filesystem roots, used by path safety checks.
func (c *Config) Roots() []string {
	return []string{c.System.TestsDir, c.System.ArtifactsDir, c.System.LogsDir}
}
