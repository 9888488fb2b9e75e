package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(newTestProvider("null")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.Register(newTestProvider("null")); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	p, err := registry.Lookup("null.resource")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "null" {
		t.Errorf("provider name = %s", p.Name())
	}

	_, err = registry.Lookup("aws.instance")
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeUnknownType {
		t.Errorf("expected UNKNOWN_RESOURCE_TYPE, got %v", err)
	}
}

// rejectingProvider fails validation for nodes missing a "name" attribute.
type rejectingProvider struct {
	*testProvider
}

func (p *rejectingProvider) Validate(ctx context.Context, req ValidateRequest) error {
	if _, ok := req.Attrs["name"]; !ok {
		return errors.New("attribute name is required")
	}
	return nil
}

func TestValidateGraph(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	if err := registry.Register(&rejectingProvider{newTestProvider("null")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		decls   []Declaration
		wantErr string
	}{
		{
			name: "valid",
			decls: []Declaration{
				decl("a", "null.resource", map[string]any{"name": "x"}),
			},
		},
		{
			name: "unregistered provider",
			decls: []Declaration{
				decl("a", "aws.instance", nil),
			},
			wantErr: "no provider registered",
		},
		{
			name: "type unknown to schema",
			decls: []Declaration{
				decl("a", "null.bucket", map[string]any{"name": "x"}),
			},
			wantErr: "does not manage resource type",
		},
		{
			name: "provider validation failure",
			decls: []Declaration{
				decl("a", "null.resource", nil),
			},
			wantErr: "provider validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildGraph(t, tt.decls)
			err := registry.ValidateGraph(ctx, g)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %v does not contain %q", err, tt.wantErr)
			}
			var engErr *EngineError
			if !errors.As(err, &engErr) || engErr.Node != "a" {
				t.Errorf("expected node context on error, got %v", err)
			}
		})
	}
}
