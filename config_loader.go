// config_loader.go: Multi-format document loading for configuration and registry files
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// maxDocumentSize bounds configuration and registry files.
const maxDocumentSize = 10 << 20

// LoadConfigFromFile reads a configuration file, expands environment
// variables, applies defaults and validates the result.
//
// The format is detected from the extension: YAML goes through
// gopkg.in/yaml.v3, JSON, TOML, HCL, INI and properties through argus.
//
// Example:
//
//	cfg, err := LoadConfigFromFile("resolver.yaml")
//	if err != nil {
//	    return err
//	}
func LoadConfigFromFile(path string) (Config, error) {
	return LoadConfigFromFileWithEnv(path, DefaultEnvConfigOptions())
}

// LoadConfigFromFileWithEnv is LoadConfigFromFile with explicit expansion options.
func LoadConfigFromFileWithEnv(path string, env EnvConfigOptions) (Config, error) {
	var cfg Config

	raw, err := readDocument(path)
	if err != nil {
		return cfg, NewConfigParseError(path, err)
	}
	expanded, err := ExpandEnvironmentVariables(string(raw), env)
	if err != nil {
		return cfg, NewConfigParseError(path, err)
	}
	if err := decodeDocument([]byte(expanded), path, &cfg); err != nil {
		return cfg, NewConfigParseError(path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// readDocument reads a bounded regular file.
func readDocument(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty path")
	}
	cleanPath := filepath.Clean(path)

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", cleanPath)
	}
	if info.Size() > maxDocumentSize {
		return nil, fmt.Errorf("%s is too large: %d bytes (max %d)", cleanPath, info.Size(), maxDocumentSize)
	}

	// #nosec G304 -- path is cleaned and checked to be a bounded regular file
	return os.ReadFile(cleanPath)
}

// decodeDocument parses data into out with the hybrid strategy:
//   - YAML: gopkg.in/yaml.v3 directly into out (anchors and tags included)
//   - everything else: argus.ParseConfig into a map, bound through JSON
func decodeDocument(data []byte, path string, out any) error {
	format := argus.DetectFormat(path)
	if format == argus.FormatYAML {
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse YAML document: %w", err)
		}
		return nil
	}

	configMap, err := argus.ParseConfig(data, format)
	if err != nil {
		return fmt.Errorf("failed to parse %s document: %w", format, err)
	}
	return bindDocument(configMap, out)
}

// bindDocument converts a parsed map to out through JSON, which keeps nested
// slices and structs working for every argus format.
func bindDocument(configMap map[string]interface{}, out any) error {
	if configMap == nil {
		return fmt.Errorf("configuration map is nil")
	}
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return fmt.Errorf("failed to marshal document map to JSON: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}
