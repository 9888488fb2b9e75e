package engine

import (
	"reflect"
	"testing"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   Reference
		wantOK bool
	}{
		{
			name:   "simple reference",
			body:   "network.id",
			want:   Reference{Node: "network", Output: "id"},
			wantOK: true,
		},
		{
			name:   "module scoped node",
			body:   "module.web.server.address",
			want:   Reference{Node: "module.web.server", Output: "address"},
			wantOK: true,
		},
		{
			name:   "no separator",
			body:   "network",
			wantOK: false,
		},
		{
			name:   "trailing dot",
			body:   "network.",
			wantOK: false,
		},
		{
			name:   "leading dot",
			body:   ".id",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseReference(tt.body)
			if ok != tt.wantOK {
				t.Fatalf("parseReference(%q) ok = %v, want %v", tt.body, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("parseReference(%q) = %+v, want %+v", tt.body, got, tt.want)
			}
		})
	}
}

func TestScanReferences(t *testing.T) {
	attrs := map[string]any{
		"subnet": "${network.id}",
		"nested": map[string]any{
			"endpoint": "http://${server.address}:${server.port}/health",
		},
		"list":   []any{"${network.id}", "plain"},
		"number": 42,
	}

	refs := ScanReferences(attrs)
	want := map[Reference]bool{
		{Node: "network", Output: "id"}:     true,
		{Node: "server", Output: "address"}: true,
		{Node: "server", Output: "port"}:    true,
	}
	if len(refs) != len(want) {
		t.Fatalf("expected %d references, got %d: %+v", len(want), len(refs), refs)
	}
	for _, ref := range refs {
		if !want[ref] {
			t.Errorf("unexpected reference %+v", ref)
		}
	}
}

func TestResolveAttrs(t *testing.T) {
	outputs := map[Reference]any{
		{Node: "network", Output: "id"}:     "net-123",
		{Node: "server", Output: "port"}:    8080,
		{Node: "server", Output: "address"}: "10.0.0.5",
	}
	lookup := func(ref Reference) (any, bool) {
		v, ok := outputs[ref]
		return v, ok
	}

	t.Run("whole string reference keeps type", func(t *testing.T) {
		got, err := ResolveAttrs(map[string]any{"port": "${server.port}"}, lookup)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got["port"] != 8080 {
			t.Errorf("expected typed value 8080, got %v (%T)", got["port"], got["port"])
		}
	})

	t.Run("embedded references stringify", func(t *testing.T) {
		got, err := ResolveAttrs(map[string]any{
			"endpoint": "http://${server.address}:${server.port}",
		}, lookup)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got["endpoint"] != "http://10.0.0.5:8080" {
			t.Errorf("unexpected endpoint: %v", got["endpoint"])
		}
	})

	t.Run("nested structures resolve", func(t *testing.T) {
		got, err := ResolveAttrs(map[string]any{
			"config": map[string]any{
				"subnets": []any{"${network.id}"},
			},
		}, lookup)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := map[string]any{
			"config": map[string]any{
				"subnets": []any{"net-123"},
			},
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("resolved = %+v, want %+v", got, want)
		}
	})

	t.Run("missing output fails", func(t *testing.T) {
		_, err := ResolveAttrs(map[string]any{"x": "${network.missing}"}, lookup)
		if err == nil {
			t.Fatal("expected error for unavailable output")
		}
	})
}

func TestHasReferences(t *testing.T) {
	if !HasReferences(map[string]any{"a": "${n.o}"}) {
		t.Error("expected references to be detected")
	}
	if HasReferences(map[string]any{"a": "plain", "b": 1}) {
		t.Error("expected no references")
	}
}
