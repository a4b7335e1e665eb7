package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"scribe/internal/security"
)

const tomlHeader = `# scribe configuration
#
# Sections: storage, extraction, calibration, attribution, anomaly,
# network, logging, server, watch. Environment variables prefixed with
# SCRIBE_ override selected keys at load time.

`

// SaveConfig writes the configuration atomically. The format follows the
// file extension; anything unrecognized is written as TOML.
func SaveConfig(cfg *Config, path string) error {
	data, err := Encode(cfg, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), security.PermDataDir); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := security.WriteFileAtomic(path, data, security.PermDataFile); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Encode renders cfg in the format named by ext (".toml", ".json", ".yaml").
func Encode(cfg *Config, ext string) ([]byte, error) {
	snapshot := cfg.Clone()
	switch ext {
	case ".json":
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case ".yaml", ".yml":
		return yaml.Marshal(snapshot)
	default:
		data, err := encodeTOML(snapshot)
		if err != nil {
			return nil, err
		}
		return append([]byte(tomlHeader), data...), nil
	}
}
