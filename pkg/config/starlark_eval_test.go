package config

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestEvaluateExpression(t *testing.T) {
	ctx := context.Background()
	eval := NewStarlarkEvaluator(5 * time.Second)

	tests := []struct {
		name    string
		expr    string
		vars    map[string]any
		want    any
		wantErr bool
	}{
		{
			name: "arithmetic",
			expr: "2 + 3 * 4",
			want: int64(14),
		},
		{
			name: "string concatenation",
			expr: `"api." + domain`,
			vars: map[string]any{"domain": "example.com"},
			want: "api.example.com",
		},
		{
			name: "vars dict access",
			expr: `vars["env"].upper()`,
			vars: map[string]any{"env": "prod"},
			want: "PROD",
		},
		{
			name: "conditional",
			expr: `3 if env == "prod" else 1`,
			vars: map[string]any{"env": "prod"},
			want: int64(3),
		},
		{
			name: "list comprehension",
			expr: "[x * 2 for x in sizes]",
			vars: map[string]any{"sizes": []any{1, 2, 3}},
			want: []any{int64(2), int64(4), int64(6)},
		},
		{
			name: "dict result",
			expr: `{"a": 1, "b": True}`,
			want: map[string]any{"a": int64(1), "b": true},
		},
		{
			name:    "undefined name",
			expr:    "missing + 1",
			wantErr: true,
		},
		{
			name:    "syntax error",
			expr:    "1 +",
			wantErr: true,
		},
		{
			name:    "unsupported variable type",
			expr:    "x",
			vars:    map[string]any{"x": make(chan int)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateExpression(ctx, tt.expr, tt.vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("result = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEvaluatorDefaultTimeout(t *testing.T) {
	eval := NewStarlarkEvaluator(0)
	if eval.timeout != 30*time.Second {
		t.Errorf("timeout = %v", eval.timeout)
	}
}
