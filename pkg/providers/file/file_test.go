package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func TestValidate(t *testing.T) {
	ctx := context.Background()
	p := New()

	tests := []struct {
		name    string
		attrs   map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"path": "/tmp/x", "mode": "0600"}, false},
		{"missing path", map[string]any{"content": "x"}, true},
		{"empty path", map[string]any{"path": ""}, true},
		{"bad mode", map[string]any{"path": "/tmp/x", "mode": "worldwritable"}, true},
		{"non-string mode", map[string]any{"path": "/tmp/x", "mode": 420}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(ctx, engine.ValidateRequest{NodeID: "f", Type: TypeLocal, Attrs: tt.attrs})
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateWritesFile(t *testing.T) {
	ctx := context.Background()
	p := New()
	path := filepath.Join(t.TempDir(), "sub", "config.txt")

	state, err := p.Create(ctx, engine.CreateRequest{
		NodeID: "f",
		Type:   TypeLocal,
		Attrs:  map[string]any{"path": path, "content": "hello", "mode": "0600"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}
	if state.Outputs["path"] != path {
		t.Errorf("outputs = %v", state.Outputs)
	}
	if state.Outputs["size"] != len("hello") {
		t.Errorf("size output = %v", state.Outputs["size"])
	}
	if checksum, _ := state.Outputs["checksum"].(string); len(checksum) != 64 {
		t.Errorf("checksum output = %v", state.Outputs["checksum"])
	}
}

func TestDestroyRemovesFile(t *testing.T) {
	ctx := context.Background()
	p := New()
	path := filepath.Join(t.TempDir(), "x.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	prior := &engine.NodeRecord{
		ID:    "f",
		Type:  TypeLocal,
		Attrs: map[string]any{"path": path},
	}
	if err := p.Destroy(ctx, engine.DestroyRequest{NodeID: "f", Prior: prior}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be removed")
	}

	// Destroying again is not an error.
	if err := p.Destroy(ctx, engine.DestroyRequest{NodeID: "f", Prior: prior}); err != nil {
		t.Errorf("second destroy = %v", err)
	}
}

func TestReadDetectsDrift(t *testing.T) {
	ctx := context.Background()
	p := New()
	path := filepath.Join(t.TempDir(), "x.txt")
	if err := os.WriteFile(path, []byte("current"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	prior := &engine.NodeRecord{
		ID:    "f",
		Type:  TypeLocal,
		Attrs: map[string]any{"path": path, "content": "recorded", "mode": "0644"},
	}
	state, err := p.Read(ctx, engine.ReadRequest{NodeID: "f", Prior: prior})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Attrs["content"] != "current" {
		t.Errorf("observed content = %v", state.Attrs["content"])
	}

	// Missing file reads as nil state.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	state, err = p.Read(ctx, engine.ReadRequest{NodeID: "f", Prior: prior})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != nil {
		t.Errorf("expected nil state for missing file, got %+v", state)
	}
}
