package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFromPaths reads .rego policies from the given files and directories.
// Directory loads are non-recursive; each file becomes one policy named
// after its base name.
func LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy path %s: %w", path, err)
		}

		if info.IsDir() {
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read policy directory %s: %w", path, err)
			}
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
					continue
				}
				p, err := loadFile(filepath.Join(path, entry.Name()))
				if err != nil {
					return nil, err
				}
				policies = append(policies, p)
			}
			continue
		}

		p, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// loadFile reads one .rego policy file.
func loadFile(path string) (Policy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	return Policy{
		Name:     name,
		Severity: SeverityError,
		Source:   path,
		Rego:     string(content),
	}, nil
}
