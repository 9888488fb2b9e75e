// Package file implements a provider that manages local files. It exists to
// exercise the full resource lifecycle against something observable: create
// writes the file, read hashes it for drift detection, destroy removes it.
package file

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// TypeLocal is the managed local file resource type.
const TypeLocal = "file.local"

// DefaultMode is used when a declaration does not set one.
const DefaultMode = "0644"

// Provider manages file.local nodes on the local filesystem.
type Provider struct{}

// New creates a file provider.
func New() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "file"
}

// Schema describes the file.local type.
func (p *Provider) Schema() engine.ProviderSchema {
	return engine.ProviderSchema{
		Types: map[string]engine.ResourceTypeSchema{
			TypeLocal: {
				Required: []string{"path"},
				Optional: []string{"content", "mode"},
				Outputs:  []string{"path", "checksum", "size"},
			},
		},
	}
}

// Validate checks that path is a non-empty string and mode, when set, is a
// valid octal permission.
func (p *Provider) Validate(ctx context.Context, req engine.ValidateRequest) error {
	path, ok := req.Attrs["path"].(string)
	if !ok || path == "" {
		return fmt.Errorf("attribute %q must be a non-empty string", "path")
	}
	if mode, ok := req.Attrs["mode"]; ok {
		s, ok := mode.(string)
		if !ok {
			return fmt.Errorf("attribute %q must be an octal string such as %q", "mode", DefaultMode)
		}
		if _, err := strconv.ParseUint(s, 8, 32); err != nil {
			return fmt.Errorf("invalid mode %q: %w", s, err)
		}
	}
	return nil
}

// Create writes the file with the declared content and mode.
func (p *Provider) Create(ctx context.Context, req engine.CreateRequest) (*engine.ResourceState, error) {
	return p.write(req.Attrs)
}

// Update rewrites the file in place. When the path changed the old file is
// left behind; a path change should be declared immutable so the planner
// replaces the node instead.
func (p *Provider) Update(ctx context.Context, req engine.UpdateRequest) (*engine.ResourceState, error) {
	return p.write(req.Attrs)
}

// Destroy removes the file. A file already gone is not an error.
func (p *Provider) Destroy(ctx context.Context, req engine.DestroyRequest) error {
	if req.Prior == nil {
		return nil
	}
	path, _ := req.Prior.Attrs["path"].(string)
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Read hashes the file on disk. A missing file returns nil state so the
// reconciler reports it as drifted away.
func (p *Provider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ResourceState, error) {
	if req.Prior == nil {
		return nil, nil
	}
	path, _ := req.Prior.Attrs["path"].(string)
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	attrs := map[string]any{
		"path":    path,
		"content": string(content),
		"mode":    fmt.Sprintf("%04o", info.Mode().Perm()),
	}
	return &engine.ResourceState{
		Attrs:   attrs,
		Outputs: outputsFor(path, content),
	}, nil
}

// write creates parent directories, writes the content, and applies the
// declared mode.
func (p *Provider) write(attrs map[string]any) (*engine.ResourceState, error) {
	path, _ := attrs["path"].(string)
	content, _ := attrs["content"].(string)
	modeStr, _ := attrs["mode"].(string)
	if modeStr == "" {
		modeStr = DefaultMode
	}
	mode, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid mode %q: %w", modeStr, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	data := []byte(content)
	if err := os.WriteFile(path, data, os.FileMode(mode)); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	// WriteFile does not change the mode of an existing file.
	if err := os.Chmod(path, os.FileMode(mode)); err != nil {
		return nil, fmt.Errorf("failed to set mode on %s: %w", path, err)
	}

	applied := map[string]any{
		"path":    path,
		"content": content,
		"mode":    modeStr,
	}
	return &engine.ResourceState{
		Attrs:   applied,
		Outputs: outputsFor(path, data),
	}, nil
}

// outputsFor computes the checksum and size outputs for file content.
func outputsFor(path string, content []byte) map[string]any {
	hash := sha256.Sum256(content)
	return map[string]any{
		"path":     path,
		"checksum": fmt.Sprintf("%x", hash),
		"size":     len(content),
	}
}
