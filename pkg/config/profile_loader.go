package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadProfile merges a YAML profile file into cfg. Environment variables
// applied afterwards take precedence over profile values.
func loadProfile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return nil
}
