package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadVarFile reads a YAML variable file into a variable map.
func LoadVarFile(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variable file %s: %w", path, err)
	}
	vars := make(map[string]any)
	if err := yaml.Unmarshal(content, &vars); err != nil {
		return nil, fmt.Errorf("failed to parse variable file %s: %w", path, err)
	}
	return vars, nil
}

// ParseVarFlag parses a single "key=value" variable flag. The value is kept
// as a string; CUE declarations that need typed variables should set them in
// the workspace block or a variable file.
func ParseVarFlag(flag string) (string, string, error) {
	key, value, ok := strings.Cut(flag, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid variable flag %q, expected key=value", flag)
	}
	return key, value, nil
}

// CollectVariables builds the override map from --var-file paths and --var
// flags. Files apply in order, then flags, with later values winning.
func CollectVariables(varFiles, varFlags []string) (map[string]any, error) {
	overrides := make(map[string]any)
	for _, path := range varFiles {
		vars, err := LoadVarFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range vars {
			overrides[k] = v
		}
	}
	for _, flag := range varFlags {
		key, value, err := ParseVarFlag(flag)
		if err != nil {
			return nil, err
		}
		overrides[key] = value
	}
	return overrides, nil
}
