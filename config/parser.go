package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a [StaticConfig] document from path.
//
// Adapted from: alexisbeaulieu97-Streamy/internal/config/parser.go
// (ParseConfig's read-then-unmarshal shape); this package skips that
// file's regex-based "line N" error annotation since yaml.v3 already
// reports a *yaml.TypeError with line numbers on decode failure.
func Load(path string) (*StaticConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg StaticConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}
