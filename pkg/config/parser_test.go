package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParseInline(t *testing.T) {
	ctx := context.Background()
	parser := NewParser()

	tests := []struct {
		name      string
		content   string
		overrides map[string]any
		errCount  int
		checkFunc func(*testing.T, *ParsedConfig)
	}{
		{
			name: "workspace and resources",
			content: `
workspace: {
	name:       "prod"
	state_path: "prod.db"
	variables: {
		region: "us-east-1"
	}
}
resources: {
	network: {
		type: "null.resource"
		attrs: {
			cidr: "10.0.0.0/16"
		}
	}
	db: {
		type: "null.resource"
		attrs: {
			subnet: "${network.id}"
		}
		depends_on: ["network"]
		lifecycle: {
			prevent_destroy: true
			immutable_keys: ["subnet"]
		}
	}
}
`,
			checkFunc: func(t *testing.T, pc *ParsedConfig) {
				if pc.Workspace.Name != "prod" || pc.Workspace.StatePath != "prod.db" {
					t.Errorf("workspace = %+v", pc.Workspace)
				}
				if pc.Variables["region"] != "us-east-1" {
					t.Errorf("variables = %v", pc.Variables)
				}
				if len(pc.Resources) != 2 {
					t.Fatalf("expected 2 resources, got %d", len(pc.Resources))
				}
				var db *ResourceDecl
				for i := range pc.Resources {
					if pc.Resources[i].ID == "db" {
						db = &pc.Resources[i]
					}
				}
				if db == nil {
					t.Fatal("resource db not found")
				}
				if db.Attrs["subnet"] != "${network.id}" {
					t.Errorf("attrs = %v", db.Attrs)
				}
				if len(db.DependsOn) != 1 || db.DependsOn[0] != "network" {
					t.Errorf("depends_on = %v", db.DependsOn)
				}
				if !db.Lifecycle.PreventDestroy || len(db.Lifecycle.ImmutableKeys) != 1 {
					t.Errorf("lifecycle = %+v", db.Lifecycle)
				}
			},
		},
		{
			name: "resources as a list",
			content: `
resources: [
	{id: "a", type: "null.resource"},
	{id: "b", type: "null.resource"},
]
`,
			checkFunc: func(t *testing.T, pc *ParsedConfig) {
				if len(pc.Resources) != 2 {
					t.Fatalf("expected 2 resources, got %d", len(pc.Resources))
				}
				if pc.Resources[0].ID != "a" || pc.Resources[1].ID != "b" {
					t.Errorf("resources = %+v", pc.Resources)
				}
			},
		},
		{
			name: "modules",
			content: `
modules: {
	web: {
		inputs: {
			port: 8080
		}
		outputs: {
			address: "server.address"
		}
		resources: [
			{
				id:   "server"
				type: "null.resource"
				attrs: {port: "@input(port)"}
			},
		]
	}
}
`,
			checkFunc: func(t *testing.T, pc *ParsedConfig) {
				if len(pc.Modules) != 1 {
					t.Fatalf("expected 1 module, got %d", len(pc.Modules))
				}
				mod := pc.Modules[0]
				if mod.Name != "web" {
					t.Errorf("name = %s", mod.Name)
				}
				if mod.Outputs["address"] != "server.address" {
					t.Errorf("outputs = %v", mod.Outputs)
				}
				if len(mod.Resources) != 1 || mod.Resources[0].ID != "server" {
					t.Errorf("resources = %+v", mod.Resources)
				}
			},
		},
		{
			name: "missing type fails validation",
			content: `
resources: {
	web: {
		attrs: {x: 1}
	}
}
`,
			errCount: 1,
		},
		{
			name: "syntax error carries position",
			content: `
resources: {
	web: {
`,
			errCount: 1,
			checkFunc: func(t *testing.T, pc *ParsedConfig) {
				if pc.Errors[0].Line == 0 {
					t.Errorf("expected a source position, got %+v", pc.Errors[0])
				}
			},
		},
		{
			name: "resources must be struct or list",
			content: `
resources: "nope"
`,
			errCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := parser.ParseInline(ctx, tt.content, tt.overrides)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(pc.Errors) != tt.errCount {
				t.Fatalf("errors = %+v, want %d", pc.Errors, tt.errCount)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, pc)
			}
		})
	}
}

func TestVariableSubstitution(t *testing.T) {
	ctx := context.Background()
	parser := NewParser()

	content := `
workspace: {
	variables: {
		env:  "staging"
		name: "svc"
	}
}
resources: {
	server: {
		type: "null.resource"
		attrs: {
			port:  "@var(port)"
			label: "@var(name)-@var(env)"
		}
	}
}
`
	pc, err := parser.ParseInline(ctx, content, map[string]any{
		"port": 8080,
		"env":  "prod",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pc.HasErrors() {
		t.Fatalf("errors = %+v", pc.Errors)
	}

	attrs := pc.Resources[0].Attrs
	// A whole-string reference keeps the variable's type.
	if attrs["port"] != 8080 {
		t.Errorf("port = %v (%T), want 8080", attrs["port"], attrs["port"])
	}
	// Overrides win over workspace variables, embedded references stringify.
	if attrs["label"] != "svc-prod" {
		t.Errorf("label = %v", attrs["label"])
	}
}

func TestUndefinedVariable(t *testing.T) {
	ctx := context.Background()
	parser := NewParser()

	content := `
resources: {
	server: {
		type: "null.resource"
		attrs: {region: "@var(region)"}
	}
}
`
	pc, err := parser.ParseInline(ctx, content, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pc.HasErrors() {
		t.Fatal("expected an undefined variable error")
	}
}

func TestComputedAttributes(t *testing.T) {
	ctx := context.Background()
	parser := NewParser()

	content := `
workspace: {
	variables: {
		env:      "prod"
		replicas: 3
	}
}
resources: {
	app: {
		type: "null.resource"
		attrs: {name: "app"}
		computed: {
			workers: "replicas * 2"
			fqdn:    "vars['env'] + '.example.com'"
		}
	}
}
`
	pc, err := parser.ParseInline(ctx, content, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pc.HasErrors() {
		t.Fatalf("errors = %+v", pc.Errors)
	}

	attrs := pc.Resources[0].Attrs
	if attrs["workers"] != int64(6) {
		t.Errorf("workers = %v (%T), want 6", attrs["workers"], attrs["workers"])
	}
	if attrs["fqdn"] != "prod.example.com" {
		t.Errorf("fqdn = %v", attrs["fqdn"])
	}
	if attrs["name"] != "app" {
		t.Errorf("declared attrs must survive: %v", attrs)
	}
}

func TestComputedExpressionError(t *testing.T) {
	ctx := context.Background()
	parser := NewParser()

	content := `
resources: {
	app: {
		type: "null.resource"
		computed: {bad: "undefined_fn()"}
	}
}
`
	pc, err := parser.ParseInline(ctx, content, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pc.HasErrors() {
		t.Fatal("expected an evaluation error")
	}
}

func TestParseFile(t *testing.T) {
	ctx := context.Background()
	parser := NewParser()

	dir := t.TempDir()
	path := filepath.Join(dir, "main.cue")
	content := `
workspace: {
	name: "test"
}
resources: {
	a: {type: "null.resource"}
}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	pc, err := parser.Parse(ctx, []string{path}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pc.HasErrors() {
		t.Fatalf("errors = %+v", pc.Errors)
	}
	if len(pc.SourceFiles) != 1 || pc.SourceFiles[0] != path {
		t.Errorf("source files = %v", pc.SourceFiles)
	}
	if len(pc.Resources) != 1 || pc.Resources[0].ID != "a" {
		t.Errorf("resources = %+v", pc.Resources)
	}
}

func TestDeclarationsOrdinals(t *testing.T) {
	pc := &ParsedConfig{
		Resources: []ResourceDecl{
			{ID: "a", Type: "null.resource"},
			{ID: "b", Type: "null.resource", Lifecycle: LifecycleDecl{CreateBeforeDestroy: true}},
		},
	}
	decls, modules := pc.Declarations()
	if len(modules) != 0 {
		t.Errorf("modules = %+v", modules)
	}
	if decls[0].Ordinal != 0 || decls[1].Ordinal != 1 {
		t.Errorf("ordinals = %d, %d", decls[0].Ordinal, decls[1].Ordinal)
	}
	if !decls[1].Lifecycle.CreateBeforeDestroy {
		t.Error("lifecycle not carried over")
	}
}
