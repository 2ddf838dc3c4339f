// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package config

import (
	"fmt"
	"io"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Load reads, parses, normalizes, and validates the configuration file at path on fs.
// Warnings from [Validate] are returned alongside the config rather than treated as fatal.
func Load(fs afero.Fs, path string) (*Config, []string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: opening %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	return Parse(data)
}

// Parse parses, normalizes, and validates raw YAML config bytes.
func Parse(data []byte) (*Config, []string, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("config: parsing yaml: %w", err)
	}

	normalize(&cfg)

	result, err := Validate(&cfg)
	if err != nil {
		return nil, nil, err
	}

	return &cfg, result.Warnings, nil
}
